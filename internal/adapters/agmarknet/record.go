package agmarknet

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FlexString accepts a JSON string or number and keeps its textual form.
// data.gov.in returns prices as strings on some resources and numbers on others.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(strings.TrimSpace(str))
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = FlexString(num.String())
	return nil
}

// String returns the raw text
func (s FlexString) String() string { return string(s) }

// RawPriceRecord is one row of the Agmarknet daily price resource
type RawPriceRecord struct {
	Market      string     `json:"market"`
	State       string     `json:"state"`
	District    string     `json:"district"`
	Commodity   string     `json:"commodity"`
	Variety     string     `json:"variety"`
	Grade       string     `json:"grade,omitempty"`
	ArrivalDate string     `json:"arrival_date"` // dd/mm/yyyy
	Arrival     FlexString `json:"arrival,omitempty"`
	MinPrice    FlexString `json:"min_price"`
	MaxPrice    FlexString `json:"max_price"`
	ModalPrice  FlexString `json:"modal_price"`
}

// response is the data.gov.in resource envelope
type response struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Total   int              `json:"total"`
	Count   int              `json:"count"`
	Records []RawPriceRecord `json:"records"`
}
