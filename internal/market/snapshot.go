package market

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CoinRow is one asset in the top-coins listing. KRW prices and formatted
// display strings are derived at dispatch time and never persisted.
type CoinRow struct {
	ID           string           `json:"id"`
	Symbol       string           `json:"symbol"`
	Name         string           `json:"name"`
	PriceUSD     decimal.Decimal  `json:"price_usd"`
	ChangePct24h decimal.Decimal  `json:"change_pct_24h"`
	ChangePct7d  *decimal.Decimal `json:"change_pct_7d,omitempty"`
	MarketCap    *decimal.Decimal `json:"market_cap,omitempty"`
	SourceTag    string           `json:"source_tag"`
	Sparkline    []float64        `json:"sparkline,omitempty"`
}

// EncodeCoinRows serializes a top-coins listing into the payload blob format.
func EncodeCoinRows(rows []CoinRow) ([]byte, error) {
	return json.Marshal(rows)
}

// DecodeCoinRows parses a payload blob back into its rows.
func DecodeCoinRows(payload []byte) ([]CoinRow, error) {
	var rows []CoinRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Snapshot is the transient point-in-time view assembled for one dispatch
// cycle. It is never persisted.
type Snapshot struct {
	Upbit       map[string]Reading
	FX          *Reading
	Global      map[string]Reading
	TopCoins    []CoinRow
	GeneratedAt time.Time
}

// Empty reports whether the snapshot carries no data at all.
func (s *Snapshot) Empty() bool {
	return len(s.Upbit) == 0 && s.FX == nil && len(s.Global) == 0 && len(s.TopCoins) == 0
}
