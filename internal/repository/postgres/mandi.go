package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"greentrace/internal/domain/mandi"
	"greentrace/internal/metrics"
	"greentrace/pkg/errors"
)

// Compile-time check
var _ mandi.Repository = (*MandiRepository)(nil)

// MandiRepository implements mandi.Repository
type MandiRepository struct {
	db DBTX
}

// NewMandiRepository creates a new mandi repository
func NewMandiRepository(db DBTX) *MandiRepository {
	return &MandiRepository{db: db}
}

// FindMandi looks a mandi up by name, state and district ignoring case
func (r *MandiRepository) FindMandi(ctx context.Context, name, state, district string) (*mandi.Mandi, error) {
	query := `
		SELECT id, name, state, district, latitude, longitude, created_at
		FROM mandis
		WHERE lower(name) = lower($1)
		  AND lower(state) = lower($2)
		  AND lower(district) = lower($3)
		LIMIT 1
	`

	start := time.Now()
	var m mandi.Mandi
	err := r.db.GetContext(ctx, &m, query, name, state, district)
	metrics.RecordDBQuery("postgres", "find_mandi", time.Since(start), ignoreNoRows(err))

	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find mandi")
	}

	return &m, nil
}

// CreateMandi inserts a mandi
func (r *MandiRepository) CreateMandi(ctx context.Context, m *mandi.Mandi) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	query := `
		INSERT INTO mandis (id, name, state, district, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	start := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		m.ID, m.Name, m.State, m.District, m.Latitude, m.Longitude,
	).Scan(&m.CreatedAt)
	metrics.RecordDBQuery("postgres", "create_mandi", time.Since(start), err)

	if err != nil {
		return errors.Wrapf(err, "failed to create mandi %q", m.Name)
	}
	return nil
}

// UpsertPrice writes the daily price row. xmax = 0 only for freshly inserted tuples.
func (r *MandiRepository) UpsertPrice(ctx context.Context, p *mandi.Price) (bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Source == "" {
		p.Source = mandi.SourceAgmarknet
	}

	query := `
		INSERT INTO mandi_prices (
			id, mandi_id, crop, variety, grade, price_day,
			min_price, max_price, modal_price, arrival_qty, source
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (mandi_id, crop, variety, price_day) DO UPDATE SET
			grade       = EXCLUDED.grade,
			min_price   = EXCLUDED.min_price,
			max_price   = EXCLUDED.max_price,
			modal_price = EXCLUDED.modal_price,
			arrival_qty = EXCLUDED.arrival_qty,
			source      = EXCLUDED.source,
			updated_at  = now()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted
	`

	start := time.Now()
	var inserted bool
	err := r.db.QueryRowContext(ctx, query,
		p.ID, p.MandiID, p.Crop, p.Variety, p.Grade, p.Day,
		p.MinPrice, p.MaxPrice, p.ModalPrice, p.ArrivalQty, p.Source,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt, &inserted)
	metrics.RecordDBQuery("postgres", "upsert_price", time.Since(start), err)

	if err != nil {
		return false, errors.Wrapf(err, "failed to upsert price %s/%s", p.Crop, p.Variety)
	}
	return inserted, nil
}

// ListPrices returns all crop prices at a mandi for a day
func (r *MandiRepository) ListPrices(ctx context.Context, mandiID uuid.UUID, day time.Time) ([]*mandi.Price, error) {
	query := `
		SELECT id, mandi_id, crop, variety, grade, price_day,
		       min_price, max_price, modal_price, arrival_qty, source,
		       created_at, updated_at
		FROM mandi_prices
		WHERE mandi_id = $1 AND price_day = $2
		ORDER BY crop, variety
	`

	var prices []*mandi.Price
	if err := r.db.SelectContext(ctx, &prices, query, mandiID, day); err != nil {
		return nil, errors.Wrap(err, "failed to list prices")
	}
	return prices, nil
}

func ignoreNoRows(err error) error {
	if err == sql.ErrNoRows {
		return nil
	}
	return err
}
