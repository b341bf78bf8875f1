// Package canonical serializes JSON values into the RFC 8785 (JCS) byte
// encoding. The output feeds SHA-256 digests, so two structurally equal
// values must serialize to identical bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Marshal canonicalizes any Go value by first passing it through
// encoding/json.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal intermediate JSON: %w", err)
	}
	return MarshalRawJSON(intermediate)
}

// MarshalRawJSON canonicalizes a raw JSON document. Numbers are decoded with
// UseNumber so that integer values survive the trip without float rounding.
func MarshalRawJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	buf := bytes.NewBuffer(nil)
	if err := writeCanonical(buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeNumber(buf, v)
	case float64:
		return writeFloat(buf, v)
	case string:
		writeString(buf, v)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		// RFC 8785 orders members by the UTF-16 code units of their names,
		// which differs from byte order for names containing supplementary
		// characters.
		sort.Slice(keys, func(i, j int) bool {
			return lessUTF16(keys[i], keys[j])
		})
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, key)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("unsupported canonical type: %T", value)
	}
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// writeString emits the RFC 8785 §3.2.2.2 escaping: the short escapes for
// backspace, tab, newline, form feed, carriage return, quote and backslash,
// \u00XX for the remaining control characters, and everything else verbatim
// UTF-8.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			buf.WriteString(`\\`)
		case '"':
			buf.WriteString(`\"`)
		case '\b':
			buf.WriteString(`\b`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\f':
			buf.WriteString(`\f`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	text := string(n)
	if !strings.ContainsAny(text, ".eE") {
		i, err := strconv.ParseInt(text, 10, 64)
		if err == nil && i >= -(1<<53) && i <= 1<<53 {
			buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("parse number %q: %w", text, err)
	}
	return writeFloat(buf, f)
}

// writeFloat renders IEEE doubles in the ECMA-262 shortest round-trip form
// required by RFC 8785: plain decimal notation for magnitudes in
// [1e-6, 1e21), exponent notation outside, negative zero collapsing to 0.
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number cannot be canonicalized")
	}
	if f == 0 {
		buf.WriteString("0")
		return nil
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		mantissa, exponent, _ := strings.Cut(s, "e")
		// ECMAScript prints the exponent without leading zeros and keeps
		// the sign only when present.
		sign := ""
		if exponent[0] == '+' || exponent[0] == '-' {
			if exponent[0] == '-' {
				sign = "-"
			} else {
				sign = "+"
			}
			exponent = exponent[1:]
		}
		exponent = strings.TrimLeft(exponent, "0")
		buf.WriteString(mantissa)
		buf.WriteByte('e')
		buf.WriteString(sign)
		buf.WriteString(exponent)
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}
