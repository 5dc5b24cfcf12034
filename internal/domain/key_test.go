package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeKeyIgnoresFieldOrder(t *testing.T) {
	a := map[string]any{"coin": "BTC", "interval": "1m"}
	b := map[string]any{"interval": "1m", "coin": "BTC"}

	ka, err := SerializeKey("candle", a)
	require.NoError(t, err)
	kb, err := SerializeKey("candle", b)
	require.NoError(t, err)

	assert.Equal(t, ka, kb)
	assert.Equal(t, `candle:{"coin":"BTC","interval":"1m"}`, ka)
}

func TestSerializeKeyStructAndMapAgree(t *testing.T) {
	type params struct {
		Interval string `json:"interval"`
		Coin     string `json:"coin"`
	}
	ks, err := SerializeKey("candle", params{Interval: "1h", Coin: "ETH"})
	require.NoError(t, err)
	km, err := SerializeKey("candle", map[string]string{"coin": "ETH", "interval": "1h"})
	require.NoError(t, err)
	assert.Equal(t, km, ks)
}

func TestSerializeKeyLowercasesHexLiterals(t *testing.T) {
	upper, err := SerializeKey("webData2", map[string]any{"user": "0xABCdef0123"})
	require.NoError(t, err)
	lower, err := SerializeKey("webData2", map[string]any{"user": "0xabcdef0123"})
	require.NoError(t, err)
	assert.Equal(t, lower, upper)

	nested, err := SerializeKey("x", map[string]any{
		"users": []any{"0xAA", map[string]any{"addr": "0xBB"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `x:{"users":["0xaa",{"addr":"0xbb"}]}`, nested)
}

func TestSerializeKeyLeavesNonHexStrings(t *testing.T) {
	k, err := SerializeKey("l2Book", map[string]any{"coin": "BTC", "tag": "0xZZ"})
	require.NoError(t, err)
	assert.Equal(t, `l2Book:{"coin":"BTC","tag":"0xZZ"}`, k)
}

func TestSerializeKeyArraysKeepOrder(t *testing.T) {
	k1, err := SerializeKey("m", map[string]any{"list": []int{1, 2, 3}})
	require.NoError(t, err)
	k2, err := SerializeKey("m", map[string]any{"list": []int{3, 2, 1}})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestSerializeKeyMethodPrefixPreventsCollision(t *testing.T) {
	p := map[string]any{"coin": "BTC"}
	k1, err := SerializeKey("l2Book", p)
	require.NoError(t, err)
	k2, err := SerializeKey("trades", p)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, "l2Book", KeyMethod(k1))
	assert.Equal(t, "trades", KeyMethod(k2))
}

func TestSerializeKeyNilParams(t *testing.T) {
	k, err := SerializeKey("allMids", nil)
	require.NoError(t, err)
	assert.Equal(t, "allMids:null", k)
	assert.Equal(t, "null", KeyParams(k))
}

func TestSerializeKeyIdempotent(t *testing.T) {
	inputs := []any{
		map[string]any{"user": "0xABC", "coin": "BTC", "n": 12345678901234567},
		map[string]any{"nested": map[string]any{"b": 1.5, "a": []any{"0xF", "x"}}},
		nil,
	}
	for _, in := range inputs {
		k, err := SerializeKey("m", in)
		require.NoError(t, err)

		reparsed, err := SerializeKey("m", rawJSON(KeyParams(k)))
		require.NoError(t, err)
		assert.Equal(t, k, reparsed)
	}
}

func TestSerializeKeyPreservesLargeIntegers(t *testing.T) {
	k, err := SerializeKey("m", map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `m:{"n":9007199254740993}`, k)
}

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }
