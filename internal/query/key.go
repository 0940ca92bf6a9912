package query

import (
	"net/url"
	"strconv"
	"strings"
)

// Key is the canonical identifier of a Query. Two queries with the same source
// and parameter set produce the same Key regardless of construction order.
type Key string

// Build derives the cache key for q. Parameters are sorted by name and every
// value carries a type tag, so "1" and 1 never collide.
func Build(q Query) Key {
	var b strings.Builder
	b.WriteString(url.PathEscape(string(q.source)))
	for i, name := range q.Names() {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(name))
		b.WriteByte('=')
		b.WriteString(encodeValue(q.params[name]))
	}
	return Key(b.String())
}

func encodeValue(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + url.QueryEscape(t)
	case bool:
		return "b:" + strconv.FormatBool(t)
	case int64:
		return "i:" + strconv.FormatInt(t, 10)
	case float64:
		return "f:" + strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return ""
	}
}

// Source returns the source family encoded in the key.
func (k Key) Source() Source {
	s := string(k)
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	if src, err := url.PathUnescape(s); err == nil {
		return Source(src)
	}
	return Source(s)
}
