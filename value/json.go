package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// FromJSON converts a decoded JSON document (as produced by
// json.Unmarshal into `any`) into a Value. Objects become Value objects
// with sorted keys; JSON has no set type, so sets never appear here.
func FromJSON(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Undefined, err
		}
		return Number(d), nil
	case float64:
		return Number(decimal.NewFromFloat(t)), nil
	case string:
		return String(t), nil
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			cv, err := FromJSON(e)
			if err != nil {
				return Undefined, err
			}
			elems[i] = cv
		}
		return Array(elems...), nil
	case map[string]any:
		pairs := make([][2]Value, 0, len(t))
		for k, e := range t {
			cv, err := FromJSON(e)
			if err != nil {
				return Undefined, err
			}
			pairs = append(pairs, [2]Value{String(k), cv})
		}
		return NewObject(pairs...), nil
	default:
		return Undefined, fmt.Errorf("value: unsupported JSON type %T", v)
	}
}

// ParseJSON decodes a JSON document from text into a Value, preserving
// number exactness via json.Number.
func ParseJSON(text []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Undefined, fmt.Errorf("invalid JSON: %w", err)
	}
	return FromJSON(raw)
}

// ToJSON converts a Value back into a plain `any` tree suitable for
// json.Marshal. Undefined has no JSON representation and becomes nil;
// callers evaluating a top-level Undefined should special-case it
// before calling ToJSON.
func ToJSON(v Value) any {
	switch v.kind {
	case KindUndefined, KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		f, _ := v.num.Float64()
		if v.num.Exponent() == 0 {
			return json.Number(v.num.String())
		}
		return f
	case KindString:
		return v.str
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = ToJSON(e)
		}
		return out
	case KindSet:
		out := make([]any, len(v.set))
		for i, e := range v.set {
			out[i] = ToJSON(e)
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for _, e := range v.obj {
			out[keyString(e.key)] = ToJSON(e.val)
		}
		return out
	default:
		return nil
	}
}

func keyString(k Value) string {
	if k.kind == KindString {
		return k.str
	}
	return k.String()
}

// MarshalJSON lets a Value be embedded directly in json.Marshal calls
// (e.g. QueryResult bindings sent back to a host).
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToJSON(v))
}

// sortKeys is a small helper kept for callers that need deterministic
// key iteration outside of the canonical Value ordering (e.g. debug
// dumps); NewObject already sorts, this is for ad-hoc map[string]Value.
func sortKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
