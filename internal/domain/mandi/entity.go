package mandi

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mandi is an agricultural wholesale market
type Mandi struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	State     string    `db:"state"`
	District  string    `db:"district"`
	Latitude  float64   `db:"latitude"`  // 0 until geocoded
	Longitude float64   `db:"longitude"` // 0 until geocoded
	CreatedAt time.Time `db:"created_at"`
}

// Price is one normalized daily price observation for a crop at a mandi.
// (MandiID, Crop, Variety, Day) is unique.
type Price struct {
	ID         uuid.UUID       `db:"id"`
	MandiID    uuid.UUID       `db:"mandi_id"`
	Crop       string          `db:"crop"`
	Variety    string          `db:"variety"`
	Grade      string          `db:"grade"`
	Day        time.Time       `db:"price_day"`
	MinPrice   decimal.Decimal `db:"min_price"`
	MaxPrice   decimal.Decimal `db:"max_price"`
	ModalPrice decimal.Decimal `db:"modal_price"`
	ArrivalQty decimal.Decimal `db:"arrival_qty"`
	Source     string          `db:"source"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// Observation is a Price flattened with its mandi, as written to history storage
type Observation struct {
	BatchID    uuid.UUID `ch:"batch_id"`
	ObservedAt time.Time `ch:"observed_at"`
	PriceDay   time.Time `ch:"price_day"`
	Market     string    `ch:"market"`
	State      string    `ch:"state"`
	District   string    `ch:"district"`
	Crop       string    `ch:"crop"`
	Variety    string    `ch:"variety"`
	MinPrice   float64   `ch:"min_price"`
	MaxPrice   float64   `ch:"max_price"`
	ModalPrice float64   `ch:"modal_price"`
	ArrivalQty float64   `ch:"arrival_qty"`
}

// SourceAgmarknet tags rows ingested from data.gov.in
const SourceAgmarknet = "agmarknet"
