package ingestion

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greentrace/internal/adapters/agmarknet"
	"greentrace/internal/adapters/kafka"
	"greentrace/internal/domain/mandi"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

// memoryRepository implements mandi.Repository with the same uniqueness rules as the SQL schema
type memoryRepository struct {
	mu          sync.Mutex
	mandis      []*mandi.Mandi
	prices      map[string]*mandi.Price
	findCalls   int
	createCalls int
	upsertErr   func(*mandi.Price) error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{prices: map[string]*mandi.Price{}}
}

func (r *memoryRepository) FindMandi(_ context.Context, name, state, district string) (*mandi.Mandi, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findCalls++

	for _, m := range r.mandis {
		if strings.EqualFold(m.Name, name) && strings.EqualFold(m.State, state) && strings.EqualFold(m.District, district) {
			return m, nil
		}
	}
	return nil, errors.ErrNotFound
}

func (r *memoryRepository) CreateMandi(_ context.Context, m *mandi.Mandi) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++

	m.ID = uuid.New()
	m.CreatedAt = time.Now()
	r.mandis = append(r.mandis, m)
	return nil
}

func (r *memoryRepository) UpsertPrice(_ context.Context, p *mandi.Price) (bool, error) {
	if r.upsertErr != nil {
		if err := r.upsertErr(p); err != nil {
			return false, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := p.MandiID.String() + "|" + p.Crop + "|" + p.Variety + "|" + p.Day.Format("2006-01-02")
	_, exists := r.prices[key]
	cp := *p
	r.prices[key] = &cp
	return !exists, nil
}

func (r *memoryRepository) ListPrices(_ context.Context, mandiID uuid.UUID, day time.Time) ([]*mandi.Price, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*mandi.Price
	for _, p := range r.prices {
		if p.MandiID == mandiID && p.Day.Equal(day) {
			out = append(out, p)
		}
	}
	return out, nil
}

type staticSource struct {
	records []agmarknet.RawPriceRecord
	err     error
	limits  []int
}

func (s *staticSource) FetchData(_ context.Context, p agmarknet.Params) ([]agmarknet.RawPriceRecord, error) {
	s.limits = append(s.limits, p.Limit)
	return s.records, s.err
}

type recordingSink struct {
	obs []mandi.Observation
	err error
}

func (s *recordingSink) AppendObservations(_ context.Context, obs []mandi.Observation) error {
	s.obs = append(s.obs, obs...)
	return s.err
}

type recordingPublisher struct {
	topics []string
	events []interface{}
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, event interface{}) error {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return p.err
}

func record(market, commodity, variety, date, modal string) agmarknet.RawPriceRecord {
	return agmarknet.RawPriceRecord{
		Market:      market,
		State:       "Maharashtra",
		District:    "Nashik",
		Commodity:   commodity,
		Variety:     variety,
		ArrivalDate: date,
		MinPrice:    "1000",
		MaxPrice:    "2000",
		ModalPrice:  agmarknet.FlexString(modal),
	}
}

func TestFetchAndStorePrices_NewRecords(t *testing.T) {
	repo := newMemoryRepository()
	source := &staticSource{records: []agmarknet.RawPriceRecord{
		record("Lasalgaon", "Onion", "Red", "15/01/2024", "1500"),
		record("Lasalgaon", "Tomato", "Hybrid", "15/01/2024", "1,250.50"),
		record("Pimpalgaon", "Onion", "Red", "15/01/2024", "1600"),
	}}

	svc := NewService(source, repo, logger.Nop())
	res, err := svc.FetchAndStorePrices(context.Background(), 250)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 3, res.NewCount)
	assert.Zero(t, res.UpdatedCount)
	assert.Zero(t, res.FailedCount)
	assert.Equal(t, []int{250}, source.limits)

	assert.Len(t, repo.mandis, 2)
	assert.Equal(t, 2, repo.createCalls)
	assert.Equal(t, 2, repo.findCalls, "mandi lookups are memoized per batch")

	for _, m := range repo.mandis {
		assert.Zero(t, m.Latitude)
		assert.Zero(t, m.Longitude)
	}

	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	prices, err := repo.ListPrices(context.Background(), repo.mandis[0].ID, day)
	require.NoError(t, err)
	require.Len(t, prices, 2)
}

func TestFetchAndStorePrices_IsIdempotent(t *testing.T) {
	repo := newMemoryRepository()
	source := &staticSource{records: []agmarknet.RawPriceRecord{
		record("Lasalgaon", "Onion", "Red", "15/01/2024", "1500"),
		record("LASALGAON", "Onion", "White", "15/01/2024", "1400"),
	}}
	svc := NewService(source, repo, logger.Nop())
	ctx := context.Background()

	first, err := svc.FetchAndStorePrices(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NewCount)

	second, err := svc.FetchAndStorePrices(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, second.NewCount)
	assert.Equal(t, 2, second.UpdatedCount)

	assert.Len(t, repo.prices, 2, "no duplicate rows")
	assert.Len(t, repo.mandis, 1, "case-insensitive mandi match")
	assert.NotEqual(t, first.BatchID, second.BatchID)
}

func TestFetchAndStorePrices_BadRecordsDoNotAbortBatch(t *testing.T) {
	repo := newMemoryRepository()
	repo.upsertErr = func(p *mandi.Price) error {
		if p.Crop == "Garlic" {
			return errors.New("constraint violation")
		}
		return nil
	}

	source := &staticSource{records: []agmarknet.RawPriceRecord{
		record("Lasalgaon", "Onion", "Red", "2024-01-15", "1500"), // wrong date layout
		record("Lasalgaon", "Garlic", "Desi", "15/01/2024", "9000"),
		record("", "Onion", "Red", "15/01/2024", "1500"),
		record("Lasalgaon", "Potato", "Jyoti", "31/02/2024", "800"), // impossible date
		record("Lasalgaon", "Tomato", "Hybrid", "15/01/2024", "not-a-number"),
	}}

	svc := NewService(source, repo, logger.Nop())
	res, err := svc.FetchAndStorePrices(context.Background(), 100)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Fetched)
	assert.Equal(t, 1, res.NewCount)
	assert.Equal(t, 4, res.FailedCount)

	require.Len(t, repo.prices, 1)
	for _, p := range repo.prices {
		assert.Equal(t, "Tomato", p.Crop)
		assert.True(t, p.ModalPrice.IsZero(), "unparseable price defaults to zero")
		assert.True(t, decimal.NewFromInt(2000).Equal(p.MaxPrice))
	}
}

func TestFetchAndStorePrices_FetchErrorPropagates(t *testing.T) {
	source := &staticSource{err: errors.Wrap(errors.ErrTransientNetwork, "upstream down")}
	svc := NewService(source, newMemoryRepository(), logger.Nop())

	res, err := svc.FetchAndStorePrices(context.Background(), 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransientNetwork))
	assert.Zero(t, res.Fetched)
}

func TestFetchAndStorePrices_EmptyFetch(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(&staticSource{records: []agmarknet.RawPriceRecord{}}, newMemoryRepository(), logger.Nop(),
		WithEventPublisher(pub))

	res, err := svc.FetchAndStorePrices(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Zero(t, res.NewCount)
	assert.Len(t, pub.events, 1)
}

func TestFetchAndStorePrices_SinksAreBestEffort(t *testing.T) {
	sink := &recordingSink{err: errors.New("clickhouse down")}
	pub := &recordingPublisher{err: errors.New("kafka down")}

	source := &staticSource{records: []agmarknet.RawPriceRecord{
		record("Lasalgaon", "Onion", "Red", "15/01/2024", "1500"),
		record("Lasalgaon", "Tomato", "Hybrid", "16/01/2024", "900"),
	}}

	svc := NewService(source, newMemoryRepository(), logger.Nop(),
		WithHistorySink(sink),
		WithEventPublisher(pub),
	)

	res, err := svc.FetchAndStorePrices(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewCount)

	require.Len(t, sink.obs, 2)
	assert.Equal(t, res.BatchID, sink.obs[0].BatchID)
	assert.Equal(t, 1500.0, sink.obs[0].ModalPrice)
	assert.Equal(t, "Lasalgaon", sink.obs[0].Market)

	require.Len(t, pub.events, 1)
	assert.Equal(t, kafka.TopicPricesIngested, pub.topics[0])
	event := pub.events[0].(PricesIngestedEvent)
	assert.Equal(t, []string{"Onion", "Tomato"}, event.Commodities)
	assert.Equal(t, []string{"2024-01-15", "2024-01-16"}, event.PriceDays)
	assert.Equal(t, 2, event.NewCount)
}

func TestParseAmount(t *testing.T) {
	cases := map[agmarknet.FlexString]string{
		"1500":     "1500",
		"1,250.50": "1250.5",
		" 42 ":     "42",
		"":         "0",
		"NR":       "0",
		"-5":       "0",
	}

	for in, want := range cases {
		assert.Equal(t, want, parseAmount(in).String(), "input %q", in)
	}
}
