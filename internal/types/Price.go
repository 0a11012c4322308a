package types

import "time"

// PriceQuote is a display-only USD price. Never used for solvency decisions.
type PriceQuote struct {
	Symbol    string    `json:"symbol"`
	PriceUSD  float64   `json:"price_usd"`
	Decimals  uint8     `json:"decimals"`
	Timestamp time.Time `json:"timestamp"`
	Fallback  bool      `json:"fallback"`
}
