package value

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// decCtx governs +, -, *. Precision is large enough that ordinary request
// arithmetic never rounds, so "(x + y) - y == x" holds exactly (spec §8.1).
var decCtx = apd.BaseContext.WithPrecision(200)

// TypeError reports an operator applied to operand types that don't support it.
type TypeError struct {
	Op    string
	Left  Kind
	Right Kind
}

func (e *TypeError) Error() string {
	if e.Right == KindNull && e.Op == "" {
		return fmt.Sprintf("type error: %s", e.Left)
	}
	return fmt.Sprintf("operator %s not defined on %s and %s", e.Op, e.Left, e.Right)
}

// ExceptionType satisfies the runtime's error-classification interface
// (spec §7) without pkg/value importing pkg/vm.
func (e *TypeError) ExceptionType() string { return "TypeError" }

// DivisionByZeroError reports division by a zero divisor.
type DivisionByZeroError struct{}

func (e *DivisionByZeroError) Error() string         { return "division by zero" }
func (e *DivisionByZeroError) ExceptionType() string { return "DivisionByZero" }

func isNumeric(k Kind) bool { return k == KindInt || k == KindDecimal }

func asDecimal(v Value) apd.Decimal {
	if v.kind == KindDecimal {
		return v.d
	}
	var d apd.Decimal
	d.SetInt64(v.i)
	return d
}

// Add implements the overloaded `+` operator (spec §4.2).
func Add(l, r Value) (Value, error) {
	switch {
	case isNumeric(l.kind) && isNumeric(r.kind):
		if l.kind == KindInt && r.kind == KindInt {
			return Int(l.i + r.i), nil
		}
		ld, rd := asDecimal(l), asDecimal(r)
		var res apd.Decimal
		if _, err := decCtx.Add(&res, &ld, &rd); err != nil {
			return Value{}, err
		}
		return Decimal(res), nil
	case l.kind == KindString && r.kind == KindString:
		return Str(l.s + r.s), nil
	case l.kind == KindArray:
		a := l.Array()
		out := &Array{Arena: a.Arena}
		out.Elements = append(out.Elements, a.Elements...)
		if r.kind == KindArray {
			out.Elements = append(out.Elements, r.Array().Elements...)
		} else {
			out.Elements = append(out.Elements, r)
		}
		return Arr(out), nil
	case l.kind == KindObject && r.kind == KindObject:
		lo, ro := l.Object(), r.Object()
		out := &Object{Arena: lo.Arena}
		out.Pairs = append(out.Pairs, lo.Pairs...)
		for _, p := range ro.Pairs {
			out.Set(p.Key, p.Value)
		}
		return Obj(out), nil
	default:
		return Value{}, &TypeError{Op: "+", Left: l.kind, Right: r.kind}
	}
}

// Sub implements the overloaded `-` operator.
func Sub(l, r Value) (Value, error) {
	switch {
	case isNumeric(l.kind) && isNumeric(r.kind):
		if l.kind == KindInt && r.kind == KindInt {
			return Int(l.i - r.i), nil
		}
		ld, rd := asDecimal(l), asDecimal(r)
		var res apd.Decimal
		if _, err := decCtx.Sub(&res, &ld, &rd); err != nil {
			return Value{}, err
		}
		return Decimal(res), nil
	case l.kind == KindString && r.kind == KindString:
		return Str(strings.ReplaceAll(l.s, r.s, "")), nil
	case l.kind == KindArray:
		a := l.Array()
		out := &Array{Arena: a.Arena}
		removeAny := r.kind == KindArray
		for _, e := range a.Elements {
			if removeAny {
				matched := false
				for _, re := range r.Array().Elements {
					if Equal(e, re) {
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			} else if Equal(e, r) {
				continue
			}
			out.Elements = append(out.Elements, e)
		}
		return Arr(out), nil
	case l.kind == KindObject:
		lo := l.Object()
		out := &Object{Arena: lo.Arena}
		var keys []Value
		if r.kind == KindArray {
			keys = r.Array().Elements
		} else {
			keys = []Value{r}
		}
		for _, p := range lo.Pairs {
			drop := false
			for _, k := range keys {
				if Equal(p.Key, k) {
					drop = true
					break
				}
			}
			if !drop {
				out.Pairs = append(out.Pairs, p)
			}
		}
		return Obj(out), nil
	default:
		return Value{}, &TypeError{Op: "-", Left: l.kind, Right: r.kind}
	}
}

// Mul implements the overloaded `*` operator.
func Mul(l, r Value) (Value, error) {
	switch {
	case isNumeric(l.kind) && isNumeric(r.kind):
		if l.kind == KindInt && r.kind == KindInt {
			return Int(l.i * r.i), nil
		}
		ld, rd := asDecimal(l), asDecimal(r)
		var res apd.Decimal
		if _, err := decCtx.Mul(&res, &ld, &rd); err != nil {
			return Value{}, err
		}
		return Decimal(res), nil
	case l.kind == KindString && r.kind == KindString:
		seen := make(map[rune]bool, len(r.s))
		for _, c := range r.s {
			seen[c] = true
		}
		var b strings.Builder
		done := make(map[rune]bool, len(l.s))
		for _, c := range l.s {
			if seen[c] && !done[c] {
				b.WriteRune(c)
				done[c] = true
			}
		}
		return Str(b.String()), nil
	case l.kind == KindArray && r.kind == KindArray:
		out := &Array{Arena: l.Array().Arena}
		for _, e := range l.Array().Elements {
			for _, re := range r.Array().Elements {
				if Equal(e, re) {
					out.Elements = append(out.Elements, e)
					break
				}
			}
		}
		return Arr(out), nil
	case l.kind == KindObject && r.kind == KindArray:
		lo := l.Object()
		out := &Object{Arena: lo.Arena}
		for _, k := range r.Array().Elements {
			if v, ok := lo.Get(k); ok {
				out.Set(k, v)
			}
		}
		return Obj(out), nil
	default:
		return Value{}, &TypeError{Op: "*", Left: l.kind, Right: r.kind}
	}
}

// Quo implements decimal division; DIV is not exposed as a general user
// operator (spec §4.2, §9 open question (a)) but the VM still needs it for
// internal/library use, and to surface DivisionByZero correctly.
func Quo(l, r Value) (Value, error) {
	if !isNumeric(l.kind) || !isNumeric(r.kind) {
		return Value{}, &TypeError{Op: "/", Left: l.kind, Right: r.kind}
	}
	rd := asDecimal(r)
	if rd.IsZero() {
		return Value{}, &DivisionByZeroError{}
	}
	ld := asDecimal(l)
	var res apd.Decimal
	if _, err := decCtx.Quo(&res, &ld, &rd); err != nil {
		return Value{}, err
	}
	return Decimal(res), nil
}

// Neg implements unary negation.
func Neg(v Value) (Value, error) {
	switch v.kind {
	case KindInt:
		return Int(-v.i), nil
	case KindDecimal:
		d := v.d
		d.Negative = !d.Negative
		return Decimal(d), nil
	default:
		return Value{}, &TypeError{Op: "neg", Left: v.kind}
	}
}

// Equal implements value equality, including cross-type integer/decimal
// comparison and decimal value-equality regardless of representation
// (spec §4.2, §8.1).
func Equal(l, r Value) bool {
	if isNumeric(l.kind) && isNumeric(r.kind) {
		ld, rd := asDecimal(l), asDecimal(r)
		return ld.Cmp(&rd) == 0
	}
	if l.kind != r.kind {
		return false
	}
	switch l.kind {
	case KindNull:
		return true
	case KindBool:
		return l.Bool() == r.Bool()
	case KindString:
		return l.s == r.s
	case KindArray:
		le, re := l.Array().Elements, r.Array().Elements
		if len(le) != len(re) {
			return false
		}
		for i := range le {
			if !Equal(le[i], re[i]) {
				return false
			}
		}
		return true
	case KindObject:
		lo, ro := l.Object(), r.Object()
		if len(lo.Pairs) != len(ro.Pairs) {
			return false
		}
		for _, p := range lo.Pairs {
			rv, ok := ro.Get(p.Key)
			if !ok || !Equal(p.Value, rv) {
				return false
			}
		}
		return true
	case KindHeapID, KindPC, KindPromise:
		return l.i == r.i
	default:
		return false
	}
}

// Compare orders numeric and string values for LT/LTE/GT/GTE; returns an
// error for kinds with no total order.
func Compare(l, r Value) (int, error) {
	switch {
	case isNumeric(l.kind) && isNumeric(r.kind):
		ld, rd := asDecimal(l), asDecimal(r)
		return ld.Cmp(&rd), nil
	case l.kind == KindString && r.kind == KindString:
		return strings.Compare(l.s, r.s), nil
	default:
		return 0, &TypeError{Op: "compare", Left: l.kind, Right: r.kind}
	}
}

// SortedKeys returns an object's keys in a stable, deterministic order
// (by their fmt.Sprint text).
func SortedKeys(o *Object) []Value {
	keys := make([]Value, len(o.Pairs))
	for i, p := range o.Pairs {
		keys[i] = p.Key
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
	})
	return keys
}
