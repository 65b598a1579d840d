// Package canonical implements the canonical JSON serialization and the
// 64-bit content fingerprint used for idempotent write deduplication.
//
// Canonical form: object keys sorted lexicographically at every nesting
// level, no insignificant whitespace, UTF-8 output, and normalized number
// literals. The same logical document always canonicalizes to the same
// bytes, so the fingerprint is stable across platforms and languages.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Marshal renders v (raw JSON bytes) in canonical form.
func Marshal(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: invalid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON document")
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash64 returns the 64-bit content hash of the canonical form of raw.
// The hash is non-cryptographic; a 64-bit collision is tolerated for
// deduplication purposes.
func Hash64(raw []byte) (uint64, error) {
	c, err := Marshal(raw)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(c), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case json.Number:
		buf.WriteString(normalizeNumber(string(val)))
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unexpected value type %T", v)
	}
	return nil
}

// normalizeNumber rewrites a JSON number literal into canonical form:
//   - no leading '+' anywhere
//   - trailing zeros stripped from the fraction; a bare '.' is dropped
//   - "-0" collapses to "0"
//   - exponent marker uppercased, '+' and leading zeros removed
//     (1.0E-05 becomes 1E-5)
func normalizeNumber(lit string) string {
	mantissa := lit
	exponent := ""

	if i := strings.IndexAny(lit, "eE"); i >= 0 {
		mantissa = lit[:i]
		exponent = lit[i+1:]
	}

	neg := false
	switch {
	case strings.HasPrefix(mantissa, "-"):
		neg = true
		mantissa = mantissa[1:]
	case strings.HasPrefix(mantissa, "+"):
		mantissa = mantissa[1:]
	}

	intPart := mantissa
	fracPart := ""
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		intPart = mantissa[:i]
		fracPart = mantissa[i+1:]
	}

	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart = strings.TrimRight(fracPart, "0")

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg && out != "0" {
		out = "-" + out
	}

	if exponent != "" {
		expNeg := strings.HasPrefix(exponent, "-")
		exponent = strings.TrimLeft(exponent, "+-")
		exponent = strings.TrimLeft(exponent, "0")
		if exponent != "" {
			if expNeg {
				exponent = "-" + exponent
			}
			out += "E" + exponent
		}
	}

	return out
}
