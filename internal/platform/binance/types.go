package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
)

// premiumIndexResponse is the /fapi/v1/premiumIndex payload. Binance encodes
// every numeric field as a decimal string.
type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// toQuote converts the exchange payload into the engine's quote shape.
func (r premiumIndexResponse) toQuote() (domain.Quote, error) {
	price, err := strconv.ParseFloat(r.MarkPrice, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("parse mark price %q: %w", r.MarkPrice, err)
	}
	if price <= 0 {
		return domain.Quote{}, fmt.Errorf("non-positive mark price %q", r.MarkPrice)
	}
	var funding float64
	if r.LastFundingRate != "" {
		funding, err = strconv.ParseFloat(r.LastFundingRate, 64)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("parse funding rate %q: %w", r.LastFundingRate, err)
		}
	}
	asOf := time.Now()
	if r.Time > 0 {
		asOf = time.UnixMilli(r.Time)
	}
	return domain.Quote{
		Symbol:      r.Symbol,
		Price:       price,
		FundingRate: funding,
		AsOf:        asOf,
	}, nil
}

// markPriceEvent is the <symbol>@markPrice stream payload.
type markPriceEvent struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	FundingRate string `json:"r"`
}

func (e markPriceEvent) toQuote() (domain.Quote, error) {
	price, err := strconv.ParseFloat(e.MarkPrice, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("parse mark price %q: %w", e.MarkPrice, err)
	}
	var funding float64
	if e.FundingRate != "" {
		funding, _ = strconv.ParseFloat(e.FundingRate, 64)
	}
	asOf := time.Now()
	if e.EventTime > 0 {
		asOf = time.UnixMilli(e.EventTime)
	}
	return domain.Quote{
		Symbol:      e.Symbol,
		Price:       price,
		FundingRate: funding,
		AsOf:        asOf,
	}, nil
}

// wsSubscribeCmd is the stream subscription frame.
type wsSubscribeCmd struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// apiError is the error body Binance returns on non-2xx responses.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}
