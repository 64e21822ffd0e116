package builtins

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ironleaf/polyrule/value"
)

// registerStandard installs the core builtin set named in SPEC_FULL.md
// §4.9. Surface-syntax/library exhaustiveness is explicitly out of
// scope (spec §1); this is a usable working set, not the full standard
// library of a real Rego runtime.
func registerStandard(r *Registry) {
	r.Register("count", 1, bCount)
	r.Register("sum", 1, bSum)
	r.Register("max", 1, bMax)
	r.Register("min", 1, bMin)
	r.Register("sort", 1, bSort)
	r.Register("contains", 2, bContains)
	r.Register("startswith", 2, bStartsWith)
	r.Register("endswith", 2, bEndsWith)
	r.Register("upper", 1, bUpper)
	r.Register("lower", 1, bLower)
	r.Register("trim", 1, bTrim)
	r.Register("split", 2, bSplit)
	r.Register("concat", 2, bConcat)
	r.Register("json.marshal", 1, bJSONMarshal)
	r.Register("json.unmarshal", 1, bJSONUnmarshal)
	r.Register("object.get", 3, bObjectGet)
	r.Register("object.union", 2, bObjectUnion)
	r.Register("array.slice", 3, bArraySlice)
	r.Register("to_number", 1, bToNumber)
	r.Register("type_name", 1, bTypeName)
	r.Register("walk", 1, bWalk)
	r.Register("all", 1, bAll)
	r.Register("any", 1, bAny)
	r.Register("union", 1, bUnionOfSets)
	r.Register("intersection", 1, bIntersectionOfSets)
	r.Register("difference", 2, bDifference)
}

func fail(strict bool, msg string) (value.Value, error) {
	if strict {
		return value.Undefined, &TypeError{Msg: msg}
	}
	return value.Undefined, nil
}

// TypeError is returned by a builtin when strict mode is on and an
// argument doesn't match the expected shape (spec §7 BUILTIN_TYPE_ERROR
// is attached by the caller, which has the call-site span; this is the
// plain cause).
type TypeError struct{ Msg string }

func (e *TypeError) Error() string { return e.Msg }

func bCount(strict bool, args []value.Value) (value.Value, error) {
	v := args[0]
	switch v.Kind() {
	case value.KindArray, value.KindSet, value.KindObject, value.KindString:
		return value.Int(int64(v.Len())), nil
	default:
		return fail(strict, "count: expected array, set, object, or string")
	}
}

func numericElems(strict bool, v value.Value) ([]value.Value, bool, error) {
	var elems []value.Value
	switch v.Kind() {
	case value.KindArray:
		elems = v.Array()
	case value.KindSet:
		elems = v.SetElems()
	default:
		_, err := fail(strict, "expected array or set of numbers")
		return nil, false, err
	}
	return elems, true, nil
}

func bSum(strict bool, args []value.Value) (value.Value, error) {
	elems, ok, err := numericElems(strict, args[0])
	if !ok {
		return value.Undefined, err
	}
	total := decimal.Zero
	for _, e := range elems {
		if e.Kind() != value.KindNumber {
			return fail(strict, "sum: non-numeric element")
		}
		total = total.Add(e.Number())
	}
	return value.Number(total), nil
}

func bMax(strict bool, args []value.Value) (value.Value, error) {
	elems, ok, err := numericElems(strict, args[0])
	if !ok {
		return value.Undefined, err
	}
	if len(elems) == 0 {
		return value.Undefined, nil
	}
	best := elems[0]
	for _, e := range elems[1:] {
		if value.Compare(e, best) > 0 {
			best = e
		}
	}
	return best, nil
}

func bMin(strict bool, args []value.Value) (value.Value, error) {
	elems, ok, err := numericElems(strict, args[0])
	if !ok {
		return value.Undefined, err
	}
	if len(elems) == 0 {
		return value.Undefined, nil
	}
	best := elems[0]
	for _, e := range elems[1:] {
		if value.Compare(e, best) < 0 {
			best = e
		}
	}
	return best, nil
}

func bSort(strict bool, args []value.Value) (value.Value, error) {
	elems, ok, err := numericElems(strict, args[0])
	if !ok {
		return value.Undefined, err
	}
	out := make([]value.Value, len(elems))
	copy(out, elems)
	sort.Slice(out, func(i, j int) bool { return value.Compare(out[i], out[j]) < 0 })
	return value.Array(out...), nil
}

func bContains(strict bool, args []value.Value) (value.Value, error) {
	a, b := args[0], args[1]
	if a.Kind() != value.KindString || b.Kind() != value.KindString {
		return fail(strict, "contains: expected strings")
	}
	return value.Bool(strings.Contains(a.Str(), b.Str())), nil
}

func bStartsWith(strict bool, args []value.Value) (value.Value, error) {
	a, b := args[0], args[1]
	if a.Kind() != value.KindString || b.Kind() != value.KindString {
		return fail(strict, "startswith: expected strings")
	}
	return value.Bool(strings.HasPrefix(a.Str(), b.Str())), nil
}

func bEndsWith(strict bool, args []value.Value) (value.Value, error) {
	a, b := args[0], args[1]
	if a.Kind() != value.KindString || b.Kind() != value.KindString {
		return fail(strict, "endswith: expected strings")
	}
	return value.Bool(strings.HasSuffix(a.Str(), b.Str())), nil
}

func bUpper(strict bool, args []value.Value) (value.Value, error) {
	if args[0].Kind() != value.KindString {
		return fail(strict, "upper: expected string")
	}
	return value.String(strings.ToUpper(args[0].Str())), nil
}

func bLower(strict bool, args []value.Value) (value.Value, error) {
	if args[0].Kind() != value.KindString {
		return fail(strict, "lower: expected string")
	}
	return value.String(strings.ToLower(args[0].Str())), nil
}

func bTrim(strict bool, args []value.Value) (value.Value, error) {
	if args[0].Kind() != value.KindString {
		return fail(strict, "trim: expected string")
	}
	return value.String(strings.TrimSpace(args[0].Str())), nil
}

func bSplit(strict bool, args []value.Value) (value.Value, error) {
	s, sep := args[0], args[1]
	if s.Kind() != value.KindString || sep.Kind() != value.KindString {
		return fail(strict, "split: expected strings")
	}
	parts := strings.Split(s.Str(), sep.Str())
	out := make([]value.Value, len(parts))
	for i, p := range parts {
		out[i] = value.String(p)
	}
	return value.Array(out...), nil
}

func bConcat(strict bool, args []value.Value) (value.Value, error) {
	sep, coll := args[0], args[1]
	if sep.Kind() != value.KindString {
		return fail(strict, "concat: expected string separator")
	}
	var elems []value.Value
	switch coll.Kind() {
	case value.KindArray:
		elems = coll.Array()
	case value.KindSet:
		elems = coll.SetElems()
	default:
		return fail(strict, "concat: expected array or set of strings")
	}
	parts := make([]string, len(elems))
	for i, e := range elems {
		if e.Kind() != value.KindString {
			return fail(strict, "concat: non-string element")
		}
		parts[i] = e.Str()
	}
	return value.String(strings.Join(parts, sep.Str())), nil
}

func bJSONMarshal(strict bool, args []value.Value) (value.Value, error) {
	b, err := json.Marshal(value.ToJSON(args[0]))
	if err != nil {
		return fail(strict, "json.marshal: "+err.Error())
	}
	return value.String(string(b)), nil
}

func bJSONUnmarshal(strict bool, args []value.Value) (value.Value, error) {
	if args[0].Kind() != value.KindString {
		return fail(strict, "json.unmarshal: expected string")
	}
	v, err := value.ParseJSON([]byte(args[0].Str()))
	if err != nil {
		return fail(strict, "json.unmarshal: "+err.Error())
	}
	return v, nil
}

func bObjectGet(strict bool, args []value.Value) (value.Value, error) {
	obj, key, def := args[0], args[1], args[2]
	if obj.Kind() != value.KindObject {
		return fail(strict, "object.get: expected object")
	}
	v := obj.Index(key)
	if v.IsUndefined() {
		return def, nil
	}
	return v, nil
}

func bObjectUnion(strict bool, args []value.Value) (value.Value, error) {
	a, b := args[0], args[1]
	if a.Kind() != value.KindObject || b.Kind() != value.KindObject {
		return fail(strict, "object.union: expected objects")
	}
	return value.ObjectMerge(a, b), nil
}

func bArraySlice(strict bool, args []value.Value) (value.Value, error) {
	arr, from, to := args[0], args[1], args[2]
	if arr.Kind() != value.KindArray || from.Kind() != value.KindNumber || to.Kind() != value.KindNumber {
		return fail(strict, "array.slice: expected (array, number, number)")
	}
	elems := arr.Array()
	lo := clampIndex(from.Number().IntPart(), len(elems))
	hi := clampIndex(to.Number().IntPart(), len(elems))
	if hi < lo {
		hi = lo
	}
	return value.Array(elems[lo:hi]...), nil
}

func clampIndex(i int64, n int) int {
	if i < 0 {
		return 0
	}
	if int(i) > n {
		return n
	}
	return int(i)
}

func bToNumber(strict bool, args []value.Value) (value.Value, error) {
	v := args[0]
	switch v.Kind() {
	case value.KindNumber:
		return v, nil
	case value.KindString:
		n, err := value.NumberFromString(v.Str())
		if err != nil {
			return fail(strict, "to_number: "+err.Error())
		}
		return n, nil
	case value.KindBool:
		if v.Bool() {
			return value.Int(1), nil
		}
		return value.Int(0), nil
	default:
		return fail(strict, "to_number: unsupported type")
	}
}

func bTypeName(_ bool, args []value.Value) (value.Value, error) {
	return value.String(args[0].Kind().String()), nil
}

// bWalk implements the walk built-in as a pure function: it eagerly
// computes the full set of (path, value) pairs reachable from its
// argument, each encoded as a 2-element array [path, value] where path
// is itself an array of keys/indices. Iteration sites built on top of
// walk (spec §4.2) evaluate this call once and then hoist the ordinary
// `some pair in walk(x)` loop over the resulting set.
func bWalk(_ bool, args []value.Value) (value.Value, error) {
	var pairs []value.Value
	var rec func(path []value.Value, v value.Value)
	rec = func(path []value.Value, v value.Value) {
		pathArr := value.Array(path...)
		pairs = append(pairs, value.Array(pathArr, v))
		switch v.Kind() {
		case value.KindArray:
			for i, e := range v.Array() {
				rec(append(append([]value.Value{}, path...), value.Int(int64(i))), e)
			}
		case value.KindObject:
			for _, kv := range v.ObjectEntries() {
				rec(append(append([]value.Value{}, path...), kv.Key), kv.Value)
			}
		case value.KindSet:
			for _, e := range v.SetElems() {
				rec(append(append([]value.Value{}, path...), e), e)
			}
		}
	}
	rec(nil, args[0])
	return value.NewSet(pairs...), nil
}

func boolElems(strict bool, v value.Value) ([]value.Value, bool, error) {
	switch v.Kind() {
	case value.KindArray:
		return v.Array(), true, nil
	case value.KindSet:
		return v.SetElems(), true, nil
	default:
		_, err := fail(strict, "expected array or set of booleans")
		return nil, false, err
	}
}

func bAll(strict bool, args []value.Value) (value.Value, error) {
	elems, ok, err := boolElems(strict, args[0])
	if !ok {
		return value.Undefined, err
	}
	for _, e := range elems {
		if !e.IsTruthy() {
			return value.False, nil
		}
	}
	return value.True, nil
}

func bAny(strict bool, args []value.Value) (value.Value, error) {
	elems, ok, err := boolElems(strict, args[0])
	if !ok {
		return value.Undefined, err
	}
	for _, e := range elems {
		if e.IsTruthy() {
			return value.True, nil
		}
	}
	return value.False, nil
}

func setsOf(strict bool, v value.Value, op string) ([]value.Value, bool, error) {
	var sets []value.Value
	switch v.Kind() {
	case value.KindArray:
		sets = v.Array()
	case value.KindSet:
		sets = v.SetElems()
	default:
		_, err := fail(strict, op+": expected array or set of sets")
		return nil, false, err
	}
	return sets, true, nil
}

func bUnionOfSets(strict bool, args []value.Value) (value.Value, error) {
	sets, ok, err := setsOf(strict, args[0], "union")
	if !ok {
		return value.Undefined, err
	}
	out := value.NewSet()
	for _, s := range sets {
		if s.Kind() != value.KindSet {
			return fail(strict, "union: non-set element")
		}
		out = value.SetUnion(out, s)
	}
	return out, nil
}

func bIntersectionOfSets(strict bool, args []value.Value) (value.Value, error) {
	sets, ok, err := setsOf(strict, args[0], "intersection")
	if !ok {
		return value.Undefined, err
	}
	if len(sets) == 0 {
		return value.NewSet(), nil
	}
	out := sets[0]
	for _, s := range sets[1:] {
		if s.Kind() != value.KindSet {
			return fail(strict, "intersection: non-set element")
		}
		out = value.SetIntersect(out, s)
	}
	return out, nil
}

func bDifference(strict bool, args []value.Value) (value.Value, error) {
	a, b := args[0], args[1]
	if a.Kind() != value.KindSet || b.Kind() != value.KindSet {
		return fail(strict, "difference: expected sets")
	}
	return value.SetDiff(a, b), nil
}
