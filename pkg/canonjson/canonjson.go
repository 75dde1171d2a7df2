// Package canonjson provides the canonical JSON serialization and SHA-256
// hashing used by every protocol component. Canonical form sorts object keys
// bytewise, keeps number literals exactly as parsed, and escapes strings with
// a fixed minimal escaper, so the same value always hashes to the same digest
// regardless of host or map iteration order.
package canonjson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

var ErrUnsupportedValue = errors.New("unsupported value for canonical json")

// Kind tags a canonical Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is the tagged intermediate form every input is lowered to before
// serialization. Numbers keep their JSON literal text.
type Value struct {
	Kind   Kind
	Bool   bool
	Number string
	Str    string
	Arr    []Value
	Obj    map[string]Value
}

// FromAny lowers any JSON-marshalable Go value into a Value tree. The input
// is round-tripped through encoding/json with UseNumber so number literals
// survive untouched.
func FromAny(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	return fromDecoded(raw)
}

func fromDecoded(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case bool:
		return Value{Kind: KindBool, Bool: t}, nil
	case json.Number:
		return Value{Kind: KindNumber, Number: t.String()}, nil
	case string:
		return Value{Kind: KindString, Str: t}, nil
	case []any:
		arr := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := fromDecoded(item)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, v)
		}
		return Value{Kind: KindArray, Arr: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromDecoded(item)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{Kind: KindObject, Obj: obj}, nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, raw)
	}
}

// Append serializes v in canonical form onto dst.
func Append(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindNull:
		return append(dst, "null"...)
	case KindBool:
		if v.Bool {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	case KindNumber:
		return append(dst, v.Number...)
	case KindString:
		return appendString(dst, v.Str)
	case KindArray:
		dst = append(dst, '[')
		for i, item := range v.Arr {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = Append(dst, item)
		}
		return append(dst, ']')
	case KindObject:
		keys := make([]string, 0, len(v.Obj))
		for k := range v.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendString(dst, k)
			dst = append(dst, ':')
			dst = Append(dst, v.Obj[k])
		}
		return append(dst, '}')
	default:
		return dst
	}
}

const hexDigits = "0123456789abcdef"

func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for _, r := range s {
		switch r {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if r < 0x20 {
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[r>>4], hexDigits[r&0xf])
				continue
			}
			var buf [utf8.UTFMax]byte
			n := utf8.EncodeRune(buf[:], r)
			dst = append(dst, buf[:n]...)
		}
	}
	return append(dst, '"')
}

// Canonical returns the canonical JSON bytes for v.
func Canonical(v any) ([]byte, error) {
	val, err := FromAny(v)
	if err != nil {
		return nil, err
	}
	return Append(nil, val), nil
}

// SumObject returns the lowercase hex SHA-256 of the canonical bytes of v,
// plus the canonical bytes themselves.
func SumObject(v any) (string, []byte, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// HashObject is SumObject without the bytes.
func HashObject(v any) (string, error) {
	h, _, err := SumObject(v)
	return h, err
}

// HashString hashes a raw string with SHA-256, lowercase hex.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashBytes hashes raw bytes with SHA-256, lowercase hex.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
