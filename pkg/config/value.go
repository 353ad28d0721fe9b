package config

import (
	"encoding/json"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// FromCtyValue converts a cty value into plain Go values (strings, bools,
// float64s, []interface{} and map[string]interface{}) via a JSON round trip.
func FromCtyValue(val cty.Value) (interface{}, error) {
	if val.IsNull() {
		return nil, nil
	}
	data, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to convert value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode converted value: %w", err)
	}
	return out, nil
}

// ToCtyValue converts a plain Go value into a cty value via a JSON round trip.
func ToCtyValue(val interface{}) (cty.Value, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to encode value: %w", err)
	}
	t, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to infer value type: %w", err)
	}
	out, err := ctyjson.Unmarshal(data, t)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to convert value: %w", err)
	}
	return out, nil
}

// ValueMapToGo converts a map of cty values into plain Go values.
func ValueMapToGo(vals map[string]cty.Value) (map[string]interface{}, error) {
	if vals == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		converted, err := FromCtyValue(v)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", k, err)
		}
		out[k] = converted
	}
	return out, nil
}

// mapToObject wraps a string-keyed value map as a cty object. An empty or nil
// map yields an empty object rather than a null.
func mapToObject(vals map[string]cty.Value) cty.Value {
	if len(vals) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(vals)
}

// stringsToCty converts a string slice to a cty tuple of strings.
func stringsToCty(items []string) cty.Value {
	if len(items) == 0 {
		return cty.EmptyTupleVal
	}
	vals := make([]cty.Value, 0, len(items))
	for _, s := range items {
		vals = append(vals, cty.StringVal(s))
	}
	return cty.TupleVal(vals)
}
