package api

import (
	"encoding/json"
	"math"
	"reflect"

	"github.com/labstack/echo/v4"
	"github.com/mitchellh/mapstructure"

	"github.com/spigell/service-exchange/internal/market"
)

var serviceType = reflect.TypeOf(market.Service{})

// serviceHook turns a decoded JSON value, text or object, into a market.Service.
func serviceHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != serviceType {
		return data, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var svc market.Service
	if err := svc.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return svc, nil
}

// decodeInput reads a JSON object body into out through mapstructure tags.
func decodeInput(c echo.Context, out any) error {
	input := map[string]any{}
	if c.Request().ContentLength != 0 {
		if err := c.Echo().JSONSerializer.Deserialize(c, &input); err != nil {
			return market.Errorf(market.KindBadInput, "invalid JSON data")
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: serviceHook,
		Result:     out,
		TagName:    "mapstructure",
	})
	if err != nil {
		return market.Internal("build decoder", err)
	}

	if err := decoder.Decode(input); err != nil {
		return &market.Error{Kind: market.KindBadInput, Message: "invalid request fields", Err: err}
	}
	return nil
}

// wholeNumber converts a JSON number to an int, refusing fractions.
func wholeNumber(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Trunc(v) != v {
		return 0, false
	}
	return int(v), true
}
