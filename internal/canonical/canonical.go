// Package canonical produces a deterministic byte encoding of JSON-like
// values. Two semantically equal values always canonicalize to the same
// bytes, regardless of map iteration order or of which process produced
// them. The output is the only form ever fed to the fingerprint hash.
package canonical

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// ErrUnsupportedValue is returned when a value falls outside the restricted
// JSON domain the canonical form accepts. Callers must treat it as fatal,
// never coerce.
var ErrUnsupportedValue = errors.New("value not representable in canonical form")

type absent struct{}

// Absent marks an optional object field that is not set. Keys whose value is
// Absent are omitted from the canonical output entirely.
var Absent = absent{}

// maxSafeInteger is the largest float64 magnitude that still maps to exactly
// one integer. Integral floats beyond it are ambiguous and rejected.
const maxSafeInteger = 1 << 53

// Marshal encodes v into its canonical byte form.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendValue(buf *bytes.Buffer, v any) error {
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
		return appendString(buf, val)
	case int:
		return appendInt(buf, int64(val))
	case int8:
		return appendInt(buf, int64(val))
	case int16:
		return appendInt(buf, int64(val))
	case int32:
		return appendInt(buf, int64(val))
	case int64:
		return appendInt(buf, val)
	case uint:
		return appendUint(buf, uint64(val))
	case uint8:
		return appendUint(buf, uint64(val))
	case uint16:
		return appendUint(buf, uint64(val))
	case uint32:
		return appendUint(buf, uint64(val))
	case uint64:
		return appendUint(buf, val)
	case float32:
		return appendFloat(buf, float64(val))
	case float64:
		return appendFloat(buf, val)
	case []any:
		return appendArray(buf, val)
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return appendArray(buf, arr)
	case map[string]any:
		return appendObject(buf, val)
	case map[string]int:
		obj := make(map[string]any, len(val))
		for k, n := range val {
			obj[k] = n
		}
		return appendObject(buf, obj)
	case absent:
		return fmt.Errorf("%w: absent marker outside an object value", ErrUnsupportedValue)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return nil
}

// appendInt writes an integer inside the ±2^53 safe range. The bound holds
// for native integers too, not just floats: a persisted JSON document comes
// back as float64 when re-decoded, so any integer the float branch could not
// represent would canonicalize differently on the two sides of a round trip.
func appendInt(buf *bytes.Buffer, v int64) error {
	if v > maxSafeInteger || v < -maxSafeInteger {
		return fmt.Errorf("%w: integral value beyond 2^53", ErrUnsupportedValue)
	}
	buf.WriteString(strconv.FormatInt(v, 10))
	return nil
}

func appendUint(buf *bytes.Buffer, v uint64) error {
	if v > maxSafeInteger {
		return fmt.Errorf("%w: integral value beyond 2^53", ErrUnsupportedValue)
	}
	buf.WriteString(strconv.FormatUint(v, 10))
	return nil
}

// appendFloat emits the single fixed numeric encoding: integral values as
// plain decimal integers (negative zero normalized to 0), fractional values
// in shortest no-exponent form. NaN, infinities and integral values beyond
// 2^53 are rejected.
func appendFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
	}
	if f == math.Trunc(f) {
		if math.Abs(f) > maxSafeInteger {
			return fmt.Errorf("%w: integral value beyond 2^53", ErrUnsupportedValue)
		}
		// int64 conversion also folds -0 into 0.
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

func appendArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func appendObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if _, skip := obj[k].(absent); skip {
			continue
		}
		keys = append(keys, k)
	}
	// Go string comparison is raw byte order, which is exactly the
	// lexicographic UTF-8 byte ordering the canonical form requires.
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := appendString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := appendValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// appendString writes s with the fixed escape table: the two mandatory
// escapes, the five short forms, and \u00XX for the remaining control
// characters. Printable characters are never escaped and no HTML escaping
// is applied. Invalid UTF-8 is rejected: coercing it to U+FFFD would let
// two distinct inputs canonicalize to identical bytes. A literal U+FFFD
// rune in valid UTF-8 passes through.
func appendString(buf *bytes.Buffer, s string) error {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return fmt.Errorf("%w: invalid utf-8 in string", ErrUnsupportedValue)
		}
		i += size
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}
