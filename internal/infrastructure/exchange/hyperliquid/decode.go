package hyperliquid

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"hlstream/internal/domain"
)

var errEmptyCandle = errors.New("empty candle payload")

// DecodeCandle decodes the data part of a candle frame:
// {"t":open,"T":close,"s":coin,"i":interval,"o","c","h","l","v" as decimal strings,"n":trades}
//
// t and T differ only by case, so fields are read by exact path instead of struct tags.
func DecodeCandle(raw json.RawMessage) (domain.Bar, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return domain.Bar{}, fmt.Errorf("decode candle: invalid json %q", raw)
	}
	c := gjson.ParseBytes(raw)
	if !c.IsObject() {
		return domain.Bar{}, errEmptyCandle
	}

	bar := domain.Bar{
		OpenTime:  c.Get("t").Int(),
		CloseTime: c.Get("T").Int(),
		Coin:      c.Get("s").String(),
		Interval:  c.Get("i").String(),
		Trades:    c.Get("n").Int(),
	}
	if bar.OpenTime == 0 || bar.Coin == "" {
		return domain.Bar{}, fmt.Errorf("decode candle: missing open time or coin in %s", raw)
	}

	for _, f := range []struct {
		path string
		dst  *decimal.Decimal
	}{
		{"o", &bar.Open},
		{"h", &bar.High},
		{"l", &bar.Low},
		{"c", &bar.Close},
		{"v", &bar.Volume},
	} {
		d, err := decimal.NewFromString(c.Get(f.path).String())
		if err != nil {
			return domain.Bar{}, fmt.Errorf("decode candle field %s: %w", f.path, err)
		}
		*f.dst = d
	}
	return bar, nil
}
