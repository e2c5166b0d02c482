package pg

import (
	"encoding/json"
	"strings"
	"time"
)

// --- JSON helpers ---

func jsonOrEmptyArray(data []byte) []byte {
	if len(data) == 0 {
		return []byte("[]")
	}
	return data
}

func jsonOrEmptyObject(data []byte) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}

func marshalJSON(v any, fallback string) []byte {
	if v == nil {
		return []byte(fallback)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fallback)
	}
	return data
}

// --- PostgreSQL array helpers ---

// pqStringArray converts a Go string slice to a PostgreSQL text[] literal.
// Elements are always quoted so commas, braces and quotes survive the trip.
func pqStringArray(arr []string) string {
	if len(arr) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		for j := 0; j < len(s); j++ {
			if s[j] == '"' || s[j] == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(s[j])
		}
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// scanStringArray parses a PostgreSQL text[] column (scanned as []byte) into
// a Go string slice. Handles both quoted and bare elements.
func scanStringArray(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := string(data)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return nil
	}

	var out []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuotes:
			switch {
			case c == '\\' && i+1 < len(s):
				i++
				cur.WriteByte(s[i])
			case c == '"':
				inQuotes = false
			default:
				cur.WriteByte(c)
			}
		case c == '"':
			inQuotes = true
		case c == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(out, cur.String())
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
