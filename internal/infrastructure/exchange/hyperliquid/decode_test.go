package hyperliquid

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCandle(t *testing.T) {
	raw := json.RawMessage(`{"t":1700000040000,"T":1700000099999,"s":"BTC","i":"1m","o":"37000.5","c":"37010","h":"37020.25","l":"36990","v":"12.345","n":87}`)
	bar, err := DecodeCandle(raw)
	require.NoError(t, err)

	assert.Equal(t, int64(1700000040000), bar.OpenTime)
	assert.Equal(t, int64(1700000099999), bar.CloseTime)
	assert.Equal(t, "BTC", bar.Coin)
	assert.Equal(t, "1m", bar.Interval)
	assert.Equal(t, "37000.5", bar.Open.String())
	assert.Equal(t, "37020.25", bar.High.String())
	assert.Equal(t, "36990", bar.Low.String())
	assert.Equal(t, "37010", bar.Close.String())
	assert.Equal(t, "12.345", bar.Volume.String())
	assert.Equal(t, int64(87), bar.Trades)
}

func TestDecodeCandle_Errors(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":       ``,
		"invalid":     `{"t":`,
		"array":       `[1,2]`,
		"no coin":     `{"t":1,"o":"1","c":"1","h":"1","l":"1","v":"1"}`,
		"bad decimal": `{"t":1,"s":"BTC","o":"x","c":"1","h":"1","l":"1","v":"1"}`,
	} {
		_, err := DecodeCandle(json.RawMessage(raw))
		assert.Error(t, err, name)
	}
}
