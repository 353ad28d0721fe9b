package config

import (
	"fmt"
	"strconv"

	"github.com/zclconf/go-cty/cty"
)

// FeatureKind discriminates the variants of a FeatureValue.
type FeatureKind int

const (
	FeatureString FeatureKind = iota
	FeatureInt
	FeatureBool
)

// FeatureValue is the typed value of a feature flag: a string, an integer,
// or a boolean.
type FeatureValue struct {
	Kind FeatureKind
	Str  string
	Int  int64
	Bool bool
}

// StringFeature wraps s as a feature value.
func StringFeature(s string) FeatureValue {
	return FeatureValue{Kind: FeatureString, Str: s}
}

// IntFeature wraps i as a feature value.
func IntFeature(i int64) FeatureValue {
	return FeatureValue{Kind: FeatureInt, Int: i}
}

// BoolFeature wraps b as a feature value.
func BoolFeature(b bool) FeatureValue {
	return FeatureValue{Kind: FeatureBool, Bool: b}
}

// ParseFeatureValue coerces an override string: "true"/"false" become
// booleans, integer literals become integers, anything else stays a string.
func ParseFeatureValue(s string) FeatureValue {
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return BoolFeature(b)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntFeature(i)
	}
	return StringFeature(s)
}

// FeatureValueFromCty converts an evaluated default expression into a
// feature value. Only string, number, and bool types are permitted.
func FeatureValueFromCty(val cty.Value) (FeatureValue, error) {
	if val.IsNull() {
		return FeatureValue{}, fmt.Errorf("feature default must not be null")
	}
	switch val.Type() {
	case cty.String:
		return StringFeature(val.AsString()), nil
	case cty.Bool:
		return BoolFeature(val.True()), nil
	case cty.Number:
		i, _ := val.AsBigFloat().Int64()
		return IntFeature(i), nil
	default:
		return FeatureValue{}, fmt.Errorf("feature default must be a string, number, or bool, got %s", val.Type().FriendlyName())
	}
}

// ToCty converts the feature value into a cty value for the eval context.
func (f FeatureValue) ToCty() cty.Value {
	switch f.Kind {
	case FeatureBool:
		return cty.BoolVal(f.Bool)
	case FeatureInt:
		return cty.NumberIntVal(f.Int)
	default:
		return cty.StringVal(f.Str)
	}
}

func (f FeatureValue) String() string {
	switch f.Kind {
	case FeatureBool:
		return strconv.FormatBool(f.Bool)
	case FeatureInt:
		return strconv.FormatInt(f.Int, 10)
	default:
		return f.Str
	}
}
