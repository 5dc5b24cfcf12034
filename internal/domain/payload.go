package domain

import (
	"encoding/json"

	gojson "github.com/goccy/go-json"
)

// PayloadLimits holds the oversize thresholds, keyed by subscription kind (method name).
type PayloadLimits struct {
	Default int
	ByKind  map[string]int
}

// Limit returns the byte limit for a subscription kind, falling back to Default.
func (l PayloadLimits) Limit(kind string) int {
	if n, ok := l.ByKind[kind]; ok && n > 0 {
		return n
	}
	return l.Default
}

// Check screens a payload against the limit for kind.
func (l PayloadLimits) Check(kind string, payload any) Oversize {
	return IsPayloadOversized(payload, l.Limit(kind))
}

// Oversize is the outcome of a payload size check.
type Oversize struct {
	Oversized bool
	Size      int
}

// IsPayloadOversized estimates the serialized size of payload and compares it to limitBytes.
// Raw frames are measured by length; other values by their JSON encoding. A payload that
// cannot be encoded is treated as oversized. A non-positive limit disables the check.
func IsPayloadOversized(payload any, limitBytes int) Oversize {
	size, ok := payloadSize(payload)
	if !ok {
		return Oversize{Oversized: true, Size: -1}
	}
	if limitBytes <= 0 {
		return Oversize{Size: size}
	}
	return Oversize{Oversized: size > limitBytes, Size: size}
}

func payloadSize(payload any) (int, bool) {
	switch p := payload.(type) {
	case nil:
		return len("null"), true
	case json.RawMessage:
		return len(p), true
	case []byte:
		return len(p), true
	case string:
		// quoted JSON string is at least two bytes longer
		return len(p) + 2, true
	}
	b, err := gojson.Marshal(payload)
	if err != nil {
		return 0, false
	}
	return len(b), true
}
