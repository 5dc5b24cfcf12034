package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func testBar() Bar {
	return Bar{
		OpenTime:  1700000000000,
		CloseTime: 1700000059999,
		Coin:      "BTC",
		Interval:  "1m",
		Open:      decimal.RequireFromString("100.5"),
		High:      decimal.RequireFromString("101"),
		Low:       decimal.RequireFromString("99.25"),
		Close:     decimal.RequireFromString("100.75"),
		Volume:    decimal.RequireFromString("12.5"),
		Trades:    42,
	}
}

func TestSameBar(t *testing.T) {
	a := testBar()
	b := testBar()
	assert.True(t, SameBar(a, b))

	// equal numerically, different textual scale
	b.Open = decimal.RequireFromString("100.50")
	assert.True(t, SameBar(a, b))

	// metadata outside OHLCV is ignored
	b.Trades = 43
	b.CloseTime++
	assert.True(t, SameBar(a, b))

	b.Close = decimal.RequireFromString("100.8")
	assert.False(t, SameBar(a, b))

	c := testBar()
	c.OpenTime += 60000
	assert.False(t, SameBar(a, c))
}

func TestStatusNames(t *testing.T) {
	assert.Equal(t, "subscribed", StatusSubscribed.String())
	assert.Equal(t, "active", StreamActive.String())
	text, err := StatusError.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "error", string(text))
}
