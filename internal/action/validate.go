package action

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// ParamError is a single parameter violation found by ValidateParams.
type ParamError struct {
	Param  string `json:"param"`
	Reason string `json:"reason"`
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Param, e.Reason)
}

// ValidateParams checks params against the definition's schema and returns
// every violation found. Missing required parameters are reported first,
// then type mismatches, then undeclared parameters. A nil slice means the
// parameters are valid.
func ValidateParams(def Definition, params map[string]any) []error {
	var missing, mismatched, unknown []error

	for _, p := range def.Parameters {
		v, present := params[p.Name]
		if !present || v == nil {
			if p.Required {
				missing = append(missing, &ParamError{Param: p.Name, Reason: "missing required parameter"})
			}
			continue
		}
		if !MatchesType(p.Type, v) {
			mismatched = append(mismatched, &ParamError{
				Param:  p.Name,
				Reason: fmt.Sprintf("expected %s, got %s", p.Type, describeType(v)),
			})
		}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		if _, ok := def.Param(name); !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		unknown = append(unknown, &ParamError{Param: name, Reason: "unknown parameter"})
	}

	var errs []error
	errs = append(errs, missing...)
	errs = append(errs, mismatched...)
	errs = append(errs, unknown...)
	return errs
}

// Validate runs ValidateParams and folds the violations into a single
// *ValidationError naming the action.
func Validate(def Definition, params map[string]any) error {
	errs := ValidateParams(def, params)
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Action: def.Name, Violations: errs}
}

// MatchesType reports whether v is acceptable for a parameter of type t.
// Booleans are never numbers. Integral floats are accepted as ints because
// JSON decoding produces float64 for every number.
func MatchesType(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeInt:
		_, ok := asInt(v)
		return ok
	case TypeFloat:
		_, ok := asFloat(v)
		return ok
	case TypeList:
		if v == nil {
			return false
		}
		k := reflect.TypeOf(v).Kind()
		if k == reflect.Slice {
			_, isBytes := v.([]byte)
			return !isBytes
		}
		return k == reflect.Array
	case TypeObject:
		if v == nil {
			return false
		}
		rt := reflect.TypeOf(v)
		return rt.Kind() == reflect.Map && rt.Key().Kind() == reflect.String
	}
	return false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		return floatToInt(n)
	case float32:
		return floatToInt(float64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func describeType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float32, float64:
		return "float"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	}
	if v == nil {
		return "null"
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return "list"
	case reflect.Map:
		return "object"
	}
	return reflect.TypeOf(v).String()
}

// floatToInt accepts only integral values that fit in an int64. 2^63 is
// exactly representable, so it is the exclusive upper bound.
func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
