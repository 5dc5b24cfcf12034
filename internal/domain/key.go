package domain

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	gojson "github.com/goccy/go-json"
)

var hexLiteral = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// SerializeKey derives the stable subscription key for (method, params).
//
// Object keys are emitted in sorted order and arrays keep their order, so params built in
// a different field order map to the same key. Hex literals (addresses, hashes) are
// lower-cased at any depth. The method is kept as a prefix so different methods never
// collide on equal params.
func SerializeKey(method string, params any) (string, error) {
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("serialize key for %s: %w", method, err)
	}
	return method + ":" + canonical, nil
}

// KeyMethod returns the method prefix of a key built by SerializeKey.
func KeyMethod(key string) string {
	method, _, _ := strings.Cut(key, ":")
	return method
}

// KeyParams returns the canonical JSON params part of a key built by SerializeKey.
func KeyParams(key string) string {
	_, params, _ := strings.Cut(key, ":")
	return params
}

func canonicalJSON(params any) (string, error) {
	if params == nil {
		return "null", nil
	}
	raw, err := gojson.Marshal(params)
	if err != nil {
		return "", err
	}

	dec := gojson.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", err
	}

	out, err := gojson.Marshal(normalizeHex(generic))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func normalizeHex(v any) any {
	switch t := v.(type) {
	case string:
		if hexLiteral.MatchString(t) {
			return strings.ToLower(t)
		}
		return t
	case map[string]any:
		for k, inner := range t {
			t[k] = normalizeHex(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normalizeHex(inner)
		}
		return t
	default:
		return v
	}
}
