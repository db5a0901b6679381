package config

import (
	"fmt"
	"math"
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
)

var int64Type = reflect.TypeOf(int64(0))

// stringToByteSizeHookFunc decodes human sizes ("64KiB", "1 MB", "4096")
// into plain int64 fields. time.Duration fields are a distinct type and are
// left to the duration hook.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != int64Type {
			return data, nil
		}
		raw, _ := data.(string)
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", raw, err)
		}
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("size %q out of range", raw)
		}
		return int64(n), nil
	}
}
