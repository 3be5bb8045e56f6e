package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"greentrace/internal/domain/mandi"
	"greentrace/internal/metrics"
	"greentrace/pkg/errors"
)

// DefaultObservationTable is the production history table
const DefaultObservationTable = "mandi_price_observations"

// Compile-time check
var _ mandi.HistorySink = (*ObservationRepository)(nil)

// ObservationRepository appends price observations to ClickHouse
type ObservationRepository struct {
	conn  driver.Conn
	table string
}

// NewObservationRepository creates a repository writing to table
func NewObservationRepository(conn driver.Conn, table string) *ObservationRepository {
	if table == "" {
		table = DefaultObservationTable
	}
	return &ObservationRepository{conn: conn, table: table}
}

// AppendObservations writes obs in a single batch
func (r *ObservationRepository) AppendObservations(ctx context.Context, obs []mandi.Observation) error {
	if len(obs) == 0 {
		return nil
	}

	start := time.Now()
	err := r.appendBatch(ctx, obs)
	metrics.RecordDBQuery("clickhouse", "append_observations", time.Since(start), err)
	return err
}

func (r *ObservationRepository) appendBatch(ctx context.Context, obs []mandi.Observation) error {
	batch, err := r.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", r.table))
	if err != nil {
		return errors.Wrap(err, "failed to prepare observation batch")
	}

	for i := range obs {
		if err := batch.AppendStruct(&obs[i]); err != nil {
			_ = batch.Abort()
			return errors.Wrapf(err, "failed to append observation %d", i)
		}
	}

	if err := batch.Send(); err != nil {
		return errors.Wrap(err, "failed to send observation batch")
	}
	return nil
}

// CropTrend is the daily modal price average for a crop
type CropTrend struct {
	Day          time.Time `ch:"day"`
	AvgModal     float64   `ch:"avg_modal"`
	Markets      uint64    `ch:"markets"`
	Observations uint64    `ch:"observations"`
}

// CropTrend returns daily averages for crop over the last days
func (r *ObservationRepository) CropTrend(ctx context.Context, crop string, days int) ([]CropTrend, error) {
	query := fmt.Sprintf(`
		SELECT
			price_day AS day,
			avg(modal_price) AS avg_modal,
			uniqExact(market) AS markets,
			count() AS observations
		FROM %s
		WHERE lower(crop) = lower(?) AND price_day >= today() - ?
		GROUP BY price_day
		ORDER BY price_day
	`, r.table)

	var out []CropTrend
	if err := r.conn.Select(ctx, &out, query, crop, days); err != nil {
		return nil, errors.Wrap(err, "failed to query crop trend")
	}
	return out, nil
}
