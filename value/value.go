// Package value implements the tagged Value variant shared by every stage
// of the pipeline: the parser's literals, the interpreter's expression
// results, and the register VM's operand slots all speak this type.
package value

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindSet
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindSet:
		return "set"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the tagged variant used throughout the engine. The zero Value is
// Undefined. Values are immutable once constructed; every mutator below
// returns a new Value instead of editing in place, so a Value can be shared
// freely between scopes, rule outputs, and VM registers.
type Value struct {
	kind Kind
	b    bool
	num  decimal.Decimal
	str  string
	arr  []Value
	// set and obj are kept in canonical sorted order at all times so that
	// two Values built in different iteration orders still compare equal
	// byte-for-byte (spec invariant: set canonicalization).
	set []Value
	obj []objEntry
}

type objEntry struct {
	key Value
	val Value
}

// Undefined is the distinct sentinel meaning "no value". It is never equal
// to Null and never appears nested inside a constructed Array/Set/Object —
// only as a standalone evaluation result.
var Undefined = Value{kind: KindUndefined}

// Null is the JSON null value.
var Null = Value{kind: KindNull}

// True and False are the two boolean values.
var True = Value{kind: KindBool, b: true}
var False = Value{kind: KindBool, b: false}

func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

func Int(i int64) Value {
	return Value{kind: KindNumber, num: decimal.NewFromInt(i)}
}

func Number(d decimal.Decimal) Value {
	return Value{kind: KindNumber, num: d}
}

func NumberFromString(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Undefined, fmt.Errorf("invalid number literal %q: %w", s, err)
	}
	return Value{kind: KindNumber, num: d}, nil
}

func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Array builds an ordered array value from elements, copying the slice so
// later mutation of the caller's slice cannot alias into the Value.
func Array(elems ...Value) Value {
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return Value{kind: KindArray, arr: cp}
}

// NewSet builds a canonically-ordered set, deduplicating equal elements.
func NewSet(elems ...Value) Value {
	uniq := make([]Value, 0, len(elems))
	for _, e := range elems {
		if !containsValue(uniq, e) {
			uniq = append(uniq, e)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return Compare(uniq[i], uniq[j]) < 0 })
	return Value{kind: KindSet, set: uniq}
}

func containsValue(vs []Value, v Value) bool {
	for _, e := range vs {
		if Equal(e, v) {
			return true
		}
	}
	return false
}

// NewObject builds a value with keys kept in sorted order. Later keys in
// the input win on duplicate keys, matching ordinary map construction.
func NewObject(pairs ...[2]Value) Value {
	m := make(map[string]objEntry, len(pairs))
	order := make([]string, 0, len(pairs))
	for _, p := range pairs {
		k := hashKey(p[0])
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = objEntry{key: p[0], val: p[1]}
	}
	sort.Strings(order)
	entries := make([]objEntry, 0, len(order))
	for _, k := range order {
		entries = append(entries, m[k])
	}
	return Value{kind: KindObject, obj: entries}
}

func hashKey(v Value) string { return canonicalString(v) }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNull() bool      { return v.kind == KindNull }

// IsTruthy implements the "is this statement result a success" rule (spec
// Open Question: yes, any non-boolean non-undefined value counts as
// success; only false and undefined are failures).
func (v Value) IsTruthy() bool {
	switch v.kind {
	case KindUndefined:
		return false
	case KindBool:
		return v.b
	default:
		return true
	}
}

func (v Value) Bool() bool { return v.b }

func (v Value) Number() decimal.Decimal { return v.num }

func (v Value) Str() string { return v.str }

func (v Value) Array() []Value { return v.arr }

func (v Value) SetElems() []Value { return v.set }

type ObjectEntry struct {
	Key   Value
	Value Value
}

func (v Value) ObjectEntries() []ObjectEntry {
	out := make([]ObjectEntry, len(v.obj))
	for i, e := range v.obj {
		out[i] = ObjectEntry{Key: e.key, Value: e.val}
	}
	return out
}

// Len returns the element count for array/set/object, the rune count
// for a string, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindSet:
		return len(v.set)
	case KindObject:
		return len(v.obj)
	case KindString:
		return len([]rune(v.str))
	default:
		return 0
	}
}

// Index looks up a value by key/index. Missing keys and out-of-range
// indices yield Undefined, never an error, per spec §4.3.1 chained-ref
// evaluation.
func (v Value) Index(key Value) Value {
	switch v.kind {
	case KindArray:
		if key.kind != KindNumber {
			return Undefined
		}
		i := key.num.IntPart()
		if !key.num.Equal(decimal.NewFromInt(i)) {
			return Undefined
		}
		if i < 0 || int(i) >= len(v.arr) {
			return Undefined
		}
		return v.arr[i]
	case KindObject:
		wantKey := hashKey(key)
		lo, hi := 0, len(v.obj)
		for lo < hi {
			mid := (lo + hi) / 2
			if hashKey(v.obj[mid].key) < wantKey {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo < len(v.obj) && hashKey(v.obj[lo].key) == wantKey {
			return v.obj[lo].val
		}
		return Undefined
	case KindSet:
		if containsValue(v.set, key) {
			return key
		}
		return Undefined
	default:
		return Undefined
	}
}

// SetAdd returns a new set with elem inserted (no-op if already present).
func (v Value) SetAdd(elem Value) Value {
	if v.kind != KindSet {
		return v
	}
	if containsValue(v.set, elem) {
		return v
	}
	return NewSet(append(append([]Value{}, v.set...), elem)...)
}

// SetUnion, SetIntersect, SetDiff implement the `|`, `&`, `-` set
// operators (spec §4.3.1 Bin / Arithmetic).
func SetUnion(a, b Value) Value {
	return NewSet(append(append([]Value{}, a.set...), b.set...)...)
}

func SetIntersect(a, b Value) Value {
	out := []Value{}
	for _, e := range a.set {
		if containsValue(b.set, e) {
			out = append(out, e)
		}
	}
	return NewSet(out...)
}

func SetDiff(a, b Value) Value {
	out := []Value{}
	for _, e := range a.set {
		if !containsValue(b.set, e) {
			out = append(out, e)
		}
	}
	return NewSet(out...)
}

// ObjectSet returns a new object with key bound to val (replacing any
// existing binding for that key).
func (v Value) ObjectSet(key, val Value) Value {
	pairs := make([][2]Value, 0, len(v.obj)+1)
	for _, e := range v.obj {
		if !Equal(e.key, key) {
			pairs = append(pairs, [2]Value{e.key, e.val})
		}
	}
	pairs = append(pairs, [2]Value{key, val})
	return NewObject(pairs...)
}

// ObjectMerge implements `object.union`: keys from b win over a, and
// nested objects present in both sides are merged recursively.
func ObjectMerge(a, b Value) Value {
	if a.kind != KindObject || b.kind != KindObject {
		return b
	}
	out := a
	for _, e := range b.obj {
		existing := out.Index(e.key)
		if existing.kind == KindObject && e.val.kind == KindObject {
			out = out.ObjectSet(e.key, ObjectMerge(existing, e.val))
		} else {
			out = out.ObjectSet(e.key, e.val)
		}
	}
	return out
}

// typeRank orders Kinds for the total ordering over heterogeneous values:
// Undefined < Null < Bool < Number < String < Array < Set < Object.
func typeRank(k Kind) int {
	switch k {
	case KindUndefined:
		return 0
	case KindNull:
		return 1
	case KindBool:
		return 2
	case KindNumber:
		return 3
	case KindString:
		return 4
	case KindArray:
		return 5
	case KindSet:
		return 6
	case KindObject:
		return 7
	default:
		return 8
	}
}

// Compare implements the total order over Value required by spec §3/§9.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		return typeRank(a.kind) - typeRank(b.kind)
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return 0
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindNumber:
		return a.num.Cmp(b.num)
	case KindString:
		return strings.Compare(a.str, b.str)
	case KindArray:
		return compareSlices(a.arr, b.arr)
	case KindSet:
		return compareSlices(a.set, b.set)
	case KindObject:
		n := len(a.obj)
		if len(b.obj) < n {
			n = len(b.obj)
		}
		for i := 0; i < n; i++ {
			if c := Compare(a.obj[i].key, b.obj[i].key); c != 0 {
				return c
			}
			if c := Compare(a.obj[i].val, b.obj[i].val); c != 0 {
				return c
			}
		}
		return len(a.obj) - len(b.obj)
	default:
		return 0
	}
}

func compareSlices(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// Equal reports structural equality. Two Undefined values are equal only
// to each other but arithmetic/comparison involving Undefined always
// yields Undefined rather than a bool — callers must check IsUndefined
// before relying on Equal for expression semantics.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Hash returns a string suitable as a map key for memoizing builtin
// results by (name, argument vector) (spec §5 builtins cache) and for
// the VM's set/object register operations.
func (v Value) Hash() string { return canonicalString(v) }

func canonicalString(v Value) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v Value) {
	switch v.kind {
	case KindUndefined:
		sb.WriteString("~U")
	case KindNull:
		sb.WriteString("~N")
	case KindBool:
		if v.b {
			sb.WriteString("~Bt")
		} else {
			sb.WriteString("~Bf")
		}
	case KindNumber:
		sb.WriteString("~#")
		sb.WriteString(v.num.String())
	case KindString:
		sb.WriteString("~S")
		fmt.Fprintf(sb, "%d:%s", len(v.str), v.str)
	case KindArray:
		sb.WriteString("~A[")
		for _, e := range v.arr {
			writeCanonical(sb, e)
			sb.WriteByte(',')
		}
		sb.WriteByte(']')
	case KindSet:
		sb.WriteString("~E{")
		for _, e := range v.set {
			writeCanonical(sb, e)
			sb.WriteByte(',')
		}
		sb.WriteByte('}')
	case KindObject:
		sb.WriteString("~O{")
		for _, e := range v.obj {
			writeCanonical(sb, e.key)
			sb.WriteByte(':')
			writeCanonical(sb, e.val)
			sb.WriteByte(',')
		}
		sb.WriteByte('}')
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return v.num.String()
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindSet:
		parts := make([]string, len(v.set))
		for i, e := range v.set {
			parts[i] = e.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindObject:
		parts := make([]string, len(v.obj))
		for i, e := range v.obj {
			parts[i] = fmt.Sprintf("%s: %s", e.key.String(), e.val.String())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "?"
	}
}
