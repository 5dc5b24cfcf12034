package domain

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPayloadOversizedBoundary(t *testing.T) {
	atLimit := bytes.Repeat([]byte("a"), 100)
	over := bytes.Repeat([]byte("a"), 101)

	assert.False(t, IsPayloadOversized(atLimit, 100).Oversized)
	assert.True(t, IsPayloadOversized(over, 100).Oversized)
	assert.False(t, IsPayloadOversized(bytes.Repeat([]byte("a"), 10), 100).Oversized)
}

func TestIsPayloadOversizedDoublingStaysOversized(t *testing.T) {
	p := json.RawMessage(bytes.Repeat([]byte("x"), 300))
	first := IsPayloadOversized(p, 256)
	assert.True(t, first.Oversized)

	doubled := append(append(json.RawMessage{}, p...), p...)
	second := IsPayloadOversized(doubled, 256)
	assert.True(t, second.Oversized)
	assert.Greater(t, second.Size, first.Size)
}

func TestIsPayloadOversizedStructuredValuesAreMonotonic(t *testing.T) {
	small := map[string]any{"levels": []int{1, 2, 3}}
	large := map[string]any{"levels": []int{1, 2, 3, 4, 5, 6, 7, 8, 9}}

	s := IsPayloadOversized(small, 1<<20)
	l := IsPayloadOversized(large, 1<<20)
	assert.Less(t, s.Size, l.Size)
	assert.False(t, l.Oversized)
}

func TestIsPayloadOversizedUnencodableIsOversized(t *testing.T) {
	got := IsPayloadOversized(map[string]any{"ch": make(chan int)}, 1<<20)
	assert.True(t, got.Oversized)
}

func TestIsPayloadOversizedDisabledLimit(t *testing.T) {
	got := IsPayloadOversized(bytes.Repeat([]byte("a"), 1000), 0)
	assert.False(t, got.Oversized)
	assert.Equal(t, 1000, got.Size)
}

func TestPayloadLimitsPerKind(t *testing.T) {
	limits := PayloadLimits{
		Default: 10,
		ByKind:  map[string]int{"l2Book": 100},
	}
	assert.Equal(t, 100, limits.Limit("l2Book"))
	assert.Equal(t, 10, limits.Limit("trades"))

	frame := bytes.Repeat([]byte("a"), 50)
	assert.False(t, limits.Check("l2Book", frame).Oversized)
	assert.True(t, limits.Check("trades", frame).Oversized)
}
