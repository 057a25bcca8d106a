package proto

import (
	"net/url"
	"strings"
)

// ParseQuery splits a raw query string into key/value pairs keeping their
// order and duplicates. Pairs with a bad escape are kept unescaped.
func ParseQuery(raw string) []QueryParam {
	if raw == "" {
		return nil
	}
	var out []QueryParam
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if uk, err := url.QueryUnescape(k); err == nil {
			k = uk
		}
		if uv, err := url.QueryUnescape(v); err == nil {
			v = uv
		}
		out = append(out, QueryParam{Key: k, Value: v})
	}
	return out
}

// EncodeQuery is the inverse of ParseQuery.
func EncodeQuery(q []QueryParam) string {
	var b strings.Builder
	for i, p := range q {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}
