package monitor

import "hlstream/internal/application/port"

type Repository = port.Repository

// Feed is one registry-managed subscription the monitor keeps alive.
type Feed struct {
	Key    string
	Method string
	Params any
}

// CandleFeed is one coin/interval candle stream the monitor listens to.
type CandleFeed struct {
	Key      string
	Coin     string
	Interval string
}
