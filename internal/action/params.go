package action

import "fmt"

// Params is a validated parameter map with typed accessors. Backends read
// their inputs through it after the executor has run Validate, so a type
// error here means the definition and the backend disagree.
type Params map[string]any

// Has reports whether name is set to a non-nil value.
func (p Params) Has(name string) bool {
	v, ok := p[name]
	return ok && v != nil
}

// String returns the named string parameter.
func (p Params) String(name string) (string, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return "", fmt.Errorf("parameter %q not set", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q is %s, not string", name, describeType(v))
	}
	return s, nil
}

// StringOr returns the named string parameter or def when unset.
func (p Params) StringOr(name, def string) string {
	if s, err := p.String(name); err == nil {
		return s
	}
	return def
}

// Int returns the named integer parameter.
func (p Params) Int(name string) (int64, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, fmt.Errorf("parameter %q not set", name)
	}
	i, ok := asInt(v)
	if !ok {
		return 0, fmt.Errorf("parameter %q is %s, not int", name, describeType(v))
	}
	return i, nil
}

// IntOr returns the named integer parameter or def when unset.
func (p Params) IntOr(name string, def int64) int64 {
	if i, err := p.Int(name); err == nil {
		return i
	}
	return def
}

// Float returns the named numeric parameter as a float64.
func (p Params) Float(name string) (float64, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, fmt.Errorf("parameter %q not set", name)
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, fmt.Errorf("parameter %q is %s, not float", name, describeType(v))
	}
	return f, nil
}

// Bool returns the named boolean parameter.
func (p Params) Bool(name string) (bool, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return false, fmt.Errorf("parameter %q not set", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %q is %s, not bool", name, describeType(v))
	}
	return b, nil
}

// BoolOr returns the named boolean parameter or def when unset.
func (p Params) BoolOr(name string, def bool) bool {
	if b, err := p.Bool(name); err == nil {
		return b
	}
	return def
}

// StringSlice returns a list parameter whose elements are all strings.
func (p Params) StringSlice(name string) ([]string, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return nil, fmt.Errorf("parameter %q not set", name)
	}
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out, nil
	case []any:
		out := make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q element %d is %s, not string", name, i, describeType(item))
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("parameter %q is %s, not a list of strings", name, describeType(v))
}
