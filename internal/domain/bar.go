package domain

import "github.com/shopspring/decimal"

// Bar is one OHLCV candle of a coin/interval stream.
type Bar struct {
	OpenTime  int64           `json:"openTime"`  // unix ms
	CloseTime int64           `json:"closeTime"` // unix ms
	Coin      string          `json:"coin"`
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Trades    int64           `json:"trades"`
}

// SameBar reports whether two bars carry the same open time and OHLCV values.
// Other fields (close time, trade count, coin, interval) are not compared.
func SameBar(a, b Bar) bool {
	return a.OpenTime == b.OpenTime &&
		a.Open.Equal(b.Open) &&
		a.High.Equal(b.High) &&
		a.Low.Equal(b.Low) &&
		a.Close.Equal(b.Close) &&
		a.Volume.Equal(b.Volume)
}
