package semantic

import (
	"slices"

	"http-pool/application/http"
	"http-pool/application/util/rule"
)

// Headers keeps field values line by line, keyed by canonical field name.
// List-based fields are split on demand with [rule.SplitList].
type Headers struct{ underlying map[string][]string }

func NewHeaders(initial map[string][]string) Headers {
	clone := make(map[string][]string, len(initial))
	for k, v := range initial {
		clone[canonical(k)] = slices.Clone(v)
	}

	return Headers{underlying: clone}
}

// HeadersFrom creates semantic header from raw fields.
// If mergeValues is true, It will merge multiplce lines with same key.
// If not, last value of the key will be used.
func HeadersFrom(fields []http.Field, mergeValues bool) Headers {
	clone := make(map[string][]string, len(fields))
	for _, field := range fields {
		key := canonical(string(field.Name))

		value := string(field.Value)
		if v, ok := clone[key]; ok && mergeValues {
			// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.3-1
			clone[key] = append(v, value)
			continue
		}

		clone[key] = []string{value}
	}

	return Headers{underlying: clone}
}

// Fields returns all the key-values in the header.
func (h *Headers) Fields() (fields map[string][]string) {
	clone := make(map[string][]string, len(h.underlying))
	for k, v := range h.underlying {
		clone[k] = slices.Clone(v)
	}

	return clone
}

// ToRawFields emits one field line per value.
// Host goes first, the rest is ordered by name.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-7.2-5
func (h *Headers) ToRawFields() (fields []http.Field) {
	keys := make([]string, 0, len(h.underlying))
	for k := range h.underlying {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == "Host":
			return -1
		case b == "Host":
			return 1
		case a < b:
			return -1
		}
		return 1
	})

	fields = make([]http.Field, 0, len(keys))
	for _, k := range keys {
		for _, v := range h.underlying[k] {
			fields = append(fields, http.Field{Name: []byte(k), Value: []byte(v)})
		}
	}

	return fields
}

// Get assumes the field is a singleton field.
// Even if key has multiple values, it will only return the first element of values.
// For list-based field, use [Headers.Values].
func (h *Headers) Get(key string) (value string, ok bool) {
	v, ok := h.underlying[canonical(key)]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

func (h *Headers) Values(key string) (values []string, ok bool) {
	values, ok = h.underlying[canonical(key)]
	return
}

// Has reports whether a list-based field carries token.
func (h *Headers) Has(key, token string) bool {
	values, _ := h.Values(key)
	return rule.ContainsToken(values, token)
}

// Set assumes the field is a singleton field.
// It overwrites existing value instead of appending to it.
// For list-based field, use [Headers.Add].
func (h *Headers) Set(key, value string) {
	h.init()
	h.underlying[canonical(key)] = []string{value}
}

func (h *Headers) Add(key, value string) {
	h.init()
	key = canonical(key)
	h.underlying[key] = append(h.underlying[key], value)
}

func (h *Headers) Del(key string) {
	delete(h.underlying, canonical(key))
}

func (h *Headers) Len() int { return len(h.underlying) }

func (h *Headers) init() {
	if h.underlying == nil {
		h.underlying = make(map[string][]string)
	}
}

func canonical(s string) string {
	if rule.IsValidToken(s) {
		s = toCanonicalFieldName(s)
	}
	return s
}

// This only works for valid token.
func toCanonicalFieldName(s string) string {
	const capitalDiff = 'a' - 'A'
	b := []byte(s)
	upper := true
	for i, c := range b {
		if upper && 'a' <= c && c <= 'z' {
			c -= capitalDiff
		} else if !upper && 'A' <= c && c <= 'Z' {
			c += capitalDiff
		}
		b[i] = c
		upper = c == '-'
	}
	return string(b)
}
