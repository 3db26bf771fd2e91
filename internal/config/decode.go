package config

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
)

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalDecodeHook decodes config scalars into decimal.Decimal, composed
// with the standard duration and slice hooks that a custom DecodeHook
// option would otherwise displace.
func decimalDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
			if to != decimalType {
				return data, nil
			}
			switch v := data.(type) {
			case string:
				return decimal.NewFromString(v)
			case float64:
				return decimal.NewFromFloat(v), nil
			case int:
				return decimal.NewFromInt(int64(v)), nil
			case int64:
				return decimal.NewFromInt(v), nil
			default:
				return nil, fmt.Errorf("cannot decode %v (%s) into decimal", data, from)
			}
		},
	)
}
