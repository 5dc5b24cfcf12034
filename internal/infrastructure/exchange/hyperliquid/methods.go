package hyperliquid

import (
	"fmt"
	"sort"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"hlstream/internal/domain"
)

// routeField ties a subscription param to the path carrying the same value in pushed data.
type routeField struct {
	Param string
	Path  string
}

// MethodDef describes one subscription type the client can issue.
type MethodDef struct {
	Method   string
	Channels []string // inbound channel names carrying this method's data
	Required []string
	Optional []string
	Route    []routeField
}

// methods 支持的订阅类型。orderUpdates / userEvents / notification 推送里不带 user 字段，只按 channel 路由。
var methods = map[string]MethodDef{
	"l2Book": {
		Channels: []string{"l2Book"},
		Required: []string{"coin"},
		Optional: []string{"nSigFigs", "mantissa"},
		Route:    []routeField{{"coin", "coin"}},
	},
	"trades": {
		Channels: []string{"trades"},
		Required: []string{"coin"},
		Route:    []routeField{{"coin", "0.coin"}},
	},
	"candle": {
		Channels: []string{"candle"},
		Required: []string{"coin", "interval"},
		Route:    []routeField{{"coin", "s"}, {"interval", "i"}},
	},
	"bbo": {
		Channels: []string{"bbo"},
		Required: []string{"coin"},
		Route:    []routeField{{"coin", "coin"}},
	},
	"allMids": {
		Channels: []string{"allMids"},
		Optional: []string{"dex"},
	},
	"activeAssetCtx": {
		Channels: []string{"activeAssetCtx", "activeSpotAssetCtx"},
		Required: []string{"coin"},
		Route:    []routeField{{"coin", "coin"}},
	},
	"activeAssetData": {
		Channels: []string{"activeAssetData"},
		Required: []string{"user", "coin"},
		Route:    []routeField{{"user", "user"}, {"coin", "coin"}},
	},
	"webData2": {
		Channels: []string{"webData2"},
		Required: []string{"user"},
		Route:    []routeField{{"user", "user"}},
	},
	"userFills": {
		Channels: []string{"userFills"},
		Required: []string{"user"},
		Optional: []string{"aggregateByTime"},
		Route:    []routeField{{"user", "user"}},
	},
	"userFundings": {
		Channels: []string{"userFundings"},
		Required: []string{"user"},
		Route:    []routeField{{"user", "user"}},
	},
	"orderUpdates": {
		Channels: []string{"orderUpdates"},
		Required: []string{"user"},
	},
	"userEvents": {
		Channels: []string{"user"},
		Required: []string{"user"},
	},
	"notification": {
		Channels: []string{"notification"},
		Required: []string{"user"},
	},
}

// channelMethods inbound channel -> method
var channelMethods = func() map[string]string {
	out := make(map[string]string)
	for name, def := range methods {
		for _, ch := range def.Channels {
			out[ch] = name
		}
	}
	return out
}()

func init() {
	for name, def := range methods {
		def.Method = name
		methods[name] = def
	}
}

// Methods lists the supported subscription types in sorted order.
func Methods() []MethodDef {
	out := make([]MethodDef, 0, len(methods))
	for _, def := range methods {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// Lookup returns the definition of method.
func Lookup(method string) (MethodDef, bool) {
	def, ok := methods[method]
	return def, ok
}

// buildSubscription validates params and returns the wire subscription object
// (params plus "type") together with the fields used for dedup and routing.
func buildSubscription(method string, params any) (MethodDef, map[string]any, error) {
	def, ok := methods[method]
	if !ok {
		return MethodDef{}, nil, fmt.Errorf("%w: %s", domain.ErrUnknownMethod, method)
	}

	fields := make(map[string]any)
	if params != nil {
		raw, err := gojson.Marshal(params)
		if err != nil {
			return def, nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		if string(raw) != "null" {
			if err := gojson.Unmarshal(raw, &fields); err != nil {
				return def, nil, fmt.Errorf("%s params must be an object: %w", method, err)
			}
		}
	}

	allowed := make(map[string]bool, len(def.Required)+len(def.Optional))
	for _, p := range def.Required {
		allowed[p] = true
		v, ok := fields[p]
		if !ok || v == nil || v == "" {
			return def, nil, fmt.Errorf("%w: %s requires %q", domain.ErrMissingParam, method, p)
		}
	}
	for _, p := range def.Optional {
		allowed[p] = true
	}
	for p, v := range fields {
		if !allowed[p] {
			return def, nil, fmt.Errorf("%s: unexpected param %q", method, p)
		}
		if v == nil {
			delete(fields, p)
		}
	}

	fields["type"] = method
	return def, fields, nil
}

// subscriptionRoute is the dispatch key of an outgoing subscription.
func (s MethodDef) subscriptionRoute(fields map[string]any) string {
	parts := make([]string, 0, len(s.Route)+1)
	parts = append(parts, s.Method)
	for _, rf := range s.Route {
		parts = append(parts, strings.ToLower(fmt.Sprint(fields[rf.Param])))
	}
	return strings.Join(parts, "|")
}

// frameRoute is the dispatch key of a pushed frame, matching subscriptionRoute.
func frameRoute(channel string, data gjson.Result) (string, bool) {
	method, ok := channelMethods[channel]
	if !ok {
		return "", false
	}
	def := methods[method]
	parts := make([]string, 0, len(def.Route)+1)
	parts = append(parts, method)
	for _, rf := range def.Route {
		parts = append(parts, strings.ToLower(data.Get(rf.Path).String()))
	}
	return strings.Join(parts, "|"), true
}

// ackRoute derives the dispatch key from the subscription echoed in a subscriptionResponse.
func ackRoute(sub gjson.Result) (string, bool) {
	def, ok := methods[sub.Get("type").String()]
	if !ok {
		return "", false
	}
	parts := make([]string, 0, len(def.Route)+1)
	parts = append(parts, def.Method)
	for _, rf := range def.Route {
		parts = append(parts, strings.ToLower(sub.Get(rf.Param).String()))
	}
	return strings.Join(parts, "|"), true
}
