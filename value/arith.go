package value

// Arith implements the five numeric operators (+ - * / %). When both
// operands are sets, Add is set union and Sub is set difference; a set
// mixed with a non-set, a non-numeric operand, or any Undefined operand
// yields Undefined.
func Add(a, b Value) Value {
	if a.IsUndefined() || b.IsUndefined() {
		return Undefined
	}
	if a.kind == KindSet && b.kind == KindSet {
		return SetUnion(a, b)
	}
	if a.kind != KindNumber || b.kind != KindNumber {
		return Undefined
	}
	return Number(a.num.Add(b.num))
}

func Sub(a, b Value) Value {
	if a.IsUndefined() || b.IsUndefined() {
		return Undefined
	}
	if a.kind == KindSet && b.kind == KindSet {
		return SetDiff(a, b)
	}
	if a.kind != KindNumber || b.kind != KindNumber {
		return Undefined
	}
	return Number(a.num.Sub(b.num))
}

func Mul(a, b Value) Value {
	if a.IsUndefined() || b.IsUndefined() {
		return Undefined
	}
	if a.kind != KindNumber || b.kind != KindNumber {
		return Undefined
	}
	return Number(a.num.Mul(b.num))
}

func Div(a, b Value) Value {
	if a.IsUndefined() || b.IsUndefined() {
		return Undefined
	}
	if a.kind != KindNumber || b.kind != KindNumber {
		return Undefined
	}
	if b.num.IsZero() {
		return Undefined
	}
	return Number(a.num.DivRound(b.num, 34))
}

func Mod(a, b Value) Value {
	if a.IsUndefined() || b.IsUndefined() {
		return Undefined
	}
	if a.kind != KindNumber || b.kind != KindNumber {
		return Undefined
	}
	if b.num.IsZero() {
		return Undefined
	}
	return Number(a.num.Mod(b.num))
}

// cmpOp applies a total-order comparator, propagating Undefined operands.
func cmpOp(a, b Value, ok func(int) bool) Value {
	if a.IsUndefined() || b.IsUndefined() {
		return Undefined
	}
	return Bool(ok(Compare(a, b)))
}

func Eq(a, b Value) Value { return cmpOp(a, b, func(c int) bool { return c == 0 }) }
func Ne(a, b Value) Value { return cmpOp(a, b, func(c int) bool { return c != 0 }) }
func Lt(a, b Value) Value { return cmpOp(a, b, func(c int) bool { return c < 0 }) }
func Le(a, b Value) Value { return cmpOp(a, b, func(c int) bool { return c <= 0 }) }
func Gt(a, b Value) Value { return cmpOp(a, b, func(c int) bool { return c > 0 }) }
func Ge(a, b Value) Value { return cmpOp(a, b, func(c int) bool { return c >= 0 }) }

// Neg implements unary minus, only valid on numeric literals per spec.
func Neg(a Value) Value {
	if a.kind != KindNumber {
		return Undefined
	}
	return Number(a.num.Neg())
}

// In implements `x in coll` membership (spec §4.3.1); for objects it
// tests the values. The `k, v in coll` form is evaluated by its callers.
func In(needle Value, coll Value) Value {
	if needle.IsUndefined() || coll.IsUndefined() {
		return Undefined
	}
	switch coll.kind {
	case KindArray:
		for _, e := range coll.arr {
			if Equal(e, needle) {
				return True
			}
		}
		return False
	case KindSet:
		return Bool(containsValue(coll.set, needle))
	case KindObject:
		for _, e := range coll.obj {
			if Equal(e.val, needle) {
				return True
			}
		}
		return False
	default:
		return False
	}
}
