package domain

import "time"

// Quote is a normalized mark-price observation for a symbol. Stale is set
// when the quote could not be refreshed from the exchange and the last known
// value is being served instead; consumers decide whether staleness is
// acceptable for their purpose.
type Quote struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	FundingRate float64   `json:"funding_rate"`
	AsOf        time.Time `json:"as_of"`
	Stale       bool      `json:"stale"`
}

// Age returns how old the quote is relative to now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.AsOf)
}
