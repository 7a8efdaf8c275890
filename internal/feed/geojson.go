package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
)

func Parse(body []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("%w: type is %q", ErrParse, fc.Type)
	}
	return fc, nil
}

// Normalize flattens every list-valued property into a comma-joined string,
// because vector tile attributes can only hold scalars. The collection is
// modified in place and returned; feature order and property keys are kept.
func Normalize(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		for key, value := range f.Properties {
			if isList(value) {
				f.Properties[key] = stringify(value)
			}
		}
	}
	return fc
}

func isList(v interface{}) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case []interface{}:
		return true
	case []byte:
		return false
	}
	kind := reflect.TypeOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

// stringify renders a value the way a list element is joined: lists
// recursively, null as empty, numbers in their shortest form.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatNumber(t)
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, ",")
	case map[string]interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = stringify(rv.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}

// formatNumber matches the decimal/exponent switch of a JS number join.
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	if abs := math.Abs(f); abs >= 1e21 || abs < 1e-6 {
		mant, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
		return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
