package query

import (
	"errors"
	"fmt"
	"sort"
)

// Source names a family of upstream data (forecast, map layer, observations, ...).
type Source string

// ErrUnsupportedParam is returned when a parameter value is not a primitive.
var ErrUnsupportedParam = errors.New("unsupported parameter type")

// Query is a logical request for one piece of data: a source family plus its
// parameters. A Query is immutable once constructed.
type Query struct {
	source Source
	params map[string]any
}

// New builds a Query. Parameter values must be strings, bools, integers or
// floats; integers are normalized to int64 and floats to float64 so that the
// same logical value always produces the same key.
func New(source Source, params map[string]any) (Query, error) {
	q := Query{source: source, params: make(map[string]any, len(params))}
	for name, v := range params {
		nv, err := normalize(v)
		if err != nil {
			return Query{}, fmt.Errorf("param %q: %w", name, err)
		}
		q.params[name] = nv
	}
	return q, nil
}

// MustNew is like New but panics on unsupported parameter values.
func MustNew(source Source, params map[string]any) Query {
	q, err := New(source, params)
	if err != nil {
		panic(err)
	}
	return q
}

func normalize(v any) (any, error) {
	switch t := v.(type) {
	case string, bool, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case float32:
		return float64(t), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedParam, v)
	}
}

// Source returns the data family of the query.
func (q Query) Source() Source {
	return q.source
}

// Param returns the named parameter.
func (q Query) Param(name string) (any, bool) {
	v, ok := q.params[name]
	return v, ok
}

// String returns a string parameter, or "" if it is absent or not a string.
func (q Query) String(name string) string {
	s, _ := q.params[name].(string)
	return s
}

// Int returns an integer parameter.
func (q Query) Int(name string) (int64, bool) {
	n, ok := q.params[name].(int64)
	return n, ok
}

// Names returns the parameter names in sorted order.
func (q Query) Names() []string {
	names := make([]string, 0, len(q.params))
	for name := range q.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key returns the canonical cache key for the query.
func (q Query) Key() Key {
	return Build(q)
}
