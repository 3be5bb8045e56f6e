package ingestion

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"greentrace/internal/adapters/agmarknet"
	"greentrace/internal/adapters/kafka"
	"greentrace/internal/domain/mandi"
	"greentrace/internal/metrics"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

// arrivalDateLayout is Agmarknet's dd/mm/yyyy
const arrivalDateLayout = "02/01/2006"

// PriceSource supplies raw price records
type PriceSource interface {
	FetchData(ctx context.Context, p agmarknet.Params) ([]agmarknet.RawPriceRecord, error)
}

// EventPublisher publishes batch summaries
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
}

// Result summarizes one ingestion batch
type Result struct {
	BatchID      uuid.UUID     `json:"batch_id"`
	Fetched      int           `json:"fetched"`
	NewCount     int           `json:"new_count"`
	UpdatedCount int           `json:"updated_count"`
	FailedCount  int           `json:"failed_count"`
	Duration     time.Duration `json:"duration"`
}

// PricesIngestedEvent is published after each batch
type PricesIngestedEvent struct {
	BatchID      uuid.UUID `json:"batch_id"`
	Fetched      int       `json:"fetched"`
	NewCount     int       `json:"new_count"`
	UpdatedCount int       `json:"updated_count"`
	FailedCount  int       `json:"failed_count"`
	Commodities  []string  `json:"commodities"`
	PriceDays    []string  `json:"price_days"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// Option customizes the Service
type Option func(*Service)

// WithHistorySink appends every stored row to long-term history
func WithHistorySink(sink mandi.HistorySink) Option {
	return func(s *Service) { s.history = sink }
}

// WithEventPublisher publishes a PricesIngestedEvent per batch
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service fetches Agmarknet prices and persists them idempotently
type Service struct {
	source  PriceSource
	repo    mandi.Repository
	history mandi.HistorySink
	events  EventPublisher
	now     func() time.Time
	log     *logger.Logger
}

// NewService creates an ingestion service
func NewService(source PriceSource, repo mandi.Repository, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		source: source,
		repo:   repo,
		now:    time.Now,
		log:    log.With("component", "price_ingestion"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchAndStorePrices fetches up to limit records and upserts them.
// Per-record failures are counted, not returned; only a fetch failure is an error.
func (s *Service) FetchAndStorePrices(ctx context.Context, limit int) (Result, error) {
	start := s.now()
	res := Result{BatchID: uuid.New()}

	records, err := s.source.FetchData(ctx, agmarknet.Params{Limit: limit})
	if err != nil {
		s.log.Errorw("Price fetch failed", "batch_id", res.BatchID, "error", err)
		return res, errors.Wrap(err, "fetch mandi prices")
	}
	res.Fetched = len(records)

	b := &batch{
		mandis:      make(map[string]*mandi.Mandi),
		commodities: make(map[string]struct{}),
		days:        make(map[string]struct{}),
	}

	for i := range records {
		if err := ctx.Err(); err != nil {
			res.FailedCount += len(records) - i
			s.log.Warnw("Ingestion cancelled", "batch_id", res.BatchID, "remaining", len(records)-i)
			break
		}

		inserted, err := s.storeRecord(ctx, b, &records[i])
		if err != nil {
			res.FailedCount++
			s.log.Warnw("Skipping price record",
				"batch_id", res.BatchID,
				"error", errors.Wrapf(errors.Mark(err, errors.ErrPartialBatch), "record %d (%s)", i, records[i].Market),
			)
			continue
		}

		if inserted {
			res.NewCount++
		} else {
			res.UpdatedCount++
		}
	}

	s.appendHistory(ctx, res.BatchID, b.observations)
	s.publish(ctx, res, b)

	res.Duration = s.now().Sub(start)
	metrics.RecordIngestion(res.NewCount, res.UpdatedCount, res.FailedCount, res.Duration)

	s.log.Infow("Price ingestion complete",
		"batch_id", res.BatchID,
		"fetched", res.Fetched,
		"new", res.NewCount,
		"updated", res.UpdatedCount,
		"failed", res.FailedCount,
		"duration", res.Duration,
	)
	return res, nil
}

// batch carries per-run state
type batch struct {
	mandis       map[string]*mandi.Mandi
	observations []mandi.Observation
	commodities  map[string]struct{}
	days         map[string]struct{}
}

func (s *Service) storeRecord(ctx context.Context, b *batch, rec *agmarknet.RawPriceRecord) (bool, error) {
	market := strings.TrimSpace(rec.Market)
	crop := strings.TrimSpace(rec.Commodity)
	if market == "" || crop == "" {
		return false, errors.Wrap(errors.ErrInvalidInput, "market and commodity are required")
	}

	day, err := time.Parse(arrivalDateLayout, strings.TrimSpace(rec.ArrivalDate))
	if err != nil {
		return false, errors.Mark(err, errors.ErrInvalidInput)
	}

	m, err := s.resolveMandi(ctx, b, market, strings.TrimSpace(rec.State), strings.TrimSpace(rec.District))
	if err != nil {
		return false, err
	}

	price := &mandi.Price{
		MandiID:    m.ID,
		Crop:       crop,
		Variety:    strings.TrimSpace(rec.Variety),
		Grade:      strings.TrimSpace(rec.Grade),
		Day:        day,
		MinPrice:   parseAmount(rec.MinPrice),
		MaxPrice:   parseAmount(rec.MaxPrice),
		ModalPrice: parseAmount(rec.ModalPrice),
		ArrivalQty: parseAmount(rec.Arrival),
		Source:     mandi.SourceAgmarknet,
	}

	inserted, err := s.repo.UpsertPrice(ctx, price)
	if err != nil {
		return false, err
	}

	b.commodities[crop] = struct{}{}
	b.days[day.Format("2006-01-02")] = struct{}{}
	b.observations = append(b.observations, mandi.Observation{
		ObservedAt: s.now(),
		PriceDay:   day,
		Market:     m.Name,
		State:      m.State,
		District:   m.District,
		Crop:       price.Crop,
		Variety:    price.Variety,
		MinPrice:   price.MinPrice.InexactFloat64(),
		MaxPrice:   price.MaxPrice.InexactFloat64(),
		ModalPrice: price.ModalPrice.InexactFloat64(),
		ArrivalQty: price.ArrivalQty.InexactFloat64(),
	})
	return inserted, nil
}

// resolveMandi finds or creates the mandi, memoized for the batch
func (s *Service) resolveMandi(ctx context.Context, b *batch, name, state, district string) (*mandi.Mandi, error) {
	key := strings.ToLower(name + "|" + state + "|" + district)
	if m, ok := b.mandis[key]; ok {
		return m, nil
	}

	m, err := s.repo.FindMandi(ctx, name, state, district)
	if errors.Is(err, errors.ErrNotFound) {
		m = &mandi.Mandi{Name: name, State: state, District: district}
		if err := s.repo.CreateMandi(ctx, m); err != nil {
			return nil, err
		}
		s.log.Infow("Registered new mandi", "name", name, "state", state, "district", district)
	} else if err != nil {
		return nil, err
	}

	b.mandis[key] = m
	return m, nil
}

func (s *Service) appendHistory(ctx context.Context, batchID uuid.UUID, obs []mandi.Observation) {
	if s.history == nil || len(obs) == 0 {
		return
	}

	for i := range obs {
		obs[i].BatchID = batchID
	}
	if err := s.history.AppendObservations(ctx, obs); err != nil {
		s.log.Warnw("Failed to append price history", "batch_id", batchID, "rows", len(obs), "error", err)
	}
}

func (s *Service) publish(ctx context.Context, res Result, b *batch) {
	if s.events == nil {
		return
	}

	event := PricesIngestedEvent{
		BatchID:      res.BatchID,
		Fetched:      res.Fetched,
		NewCount:     res.NewCount,
		UpdatedCount: res.UpdatedCount,
		FailedCount:  res.FailedCount,
		Commodities:  sortedKeys(b.commodities),
		PriceDays:    sortedKeys(b.days),
		IngestedAt:   s.now(),
	}
	if err := s.events.Publish(ctx, kafka.TopicPricesIngested, res.BatchID.String(), event); err != nil {
		s.log.Warnw("Failed to publish ingestion event", "batch_id", res.BatchID, "error", err)
	}
}

// parseAmount reads a price or quantity, defaulting to zero
func parseAmount(s agmarknet.FlexString) decimal.Decimal {
	raw := strings.ReplaceAll(strings.TrimSpace(s.String()), ",", "")
	if raw == "" {
		return decimal.Zero
	}

	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
