package mandi

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence for mandis and their daily prices
type Repository interface {
	// FindMandi matches name, state and district case-insensitively.
	// Returns errors.ErrNotFound when nothing matches.
	FindMandi(ctx context.Context, name, state, district string) (*Mandi, error)

	// CreateMandi inserts a mandi, assigning ID and CreatedAt
	CreateMandi(ctx context.Context, m *Mandi) error

	// UpsertPrice inserts or updates the row for (mandi, crop, variety, day).
	// inserted is true when a new row was created.
	UpsertPrice(ctx context.Context, p *Price) (inserted bool, err error)

	// ListPrices returns prices for a mandi on a day, ordered by crop and variety
	ListPrices(ctx context.Context, mandiID uuid.UUID, day time.Time) ([]*Price, error)
}

// HistorySink appends normalized observations to long-term storage
type HistorySink interface {
	AppendObservations(ctx context.Context, obs []Observation) error
}
