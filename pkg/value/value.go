// Package value implements the loaf runtime's tagged-union Value type
// (spec §3, C1) and the arithmetic/comparison overloads bytecode opcodes
// dispatch to (spec §4.2).
package value

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Kind tags the case a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindDecimal
	KindBool
	KindString
	KindArray
	KindObject
	KindHeapID
	KindPC
	KindClosure
	KindPromise
	KindException
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindHeapID:
		return "heap-id"
	case KindPC:
		return "program-counter"
	case KindClosure:
		return "closure"
	case KindPromise:
		return "promise-handle"
	case KindException:
		return "exception"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// ArenaID names the arena that owns a composite Value. Primitive kinds
// (null, int, decimal, bool, string) are inline and have no owning arena.
type ArenaID uint64

// NoArena is the sentinel owner of inline/primitive values.
const NoArena ArenaID = 0

// Array is an ordered, index-addressable sequence of Value, owned by Arena.
type Array struct {
	Arena    ArenaID
	Elements []Value
}

// Pair is one object entry; object keys may be any Value, not just strings.
type Pair struct {
	Key   Value
	Value Value
}

// Object is an insertion-ordered mapping from Value keys to Value, owned by Arena.
type Object struct {
	Arena ArenaID
	Pairs []Pair
}

func (o *Object) index(key Value) int {
	for i := range o.Pairs {
		if Equal(o.Pairs[i].Key, key) {
			return i
		}
	}
	return -1
}

// Get returns the value for key and whether it was present.
func (o *Object) Get(key Value) (Value, bool) {
	if i := o.index(key); i >= 0 {
		return o.Pairs[i].Value, true
	}
	return Value{}, false
}

// Set inserts or overwrites key, preserving insertion order on first write.
func (o *Object) Set(key, val Value) {
	if i := o.index(key); i >= 0 {
		o.Pairs[i].Value = val
		return
	}
	o.Pairs = append(o.Pairs, Pair{Key: key, Value: val})
}

// Closure is a bytecode entry point plus its captured locals.
type Closure struct {
	Entry   int
	Free    []Value
	NumArgs int
}

// Frame describes one level of an exception's captured trace.
type Frame struct {
	Binding string
	PC      int
}

// Exception is the record form of every runtime error (spec §3, §7).
type Exception struct {
	Type    string
	Message string
	Trace   []Frame
}

func (e *Exception) Error() string { return e.Type + ": " + e.Message }

// Value is the tagged union described by spec §3. Composite kinds hold a
// pointer into the owning arena's bookkeeping via the Arena field on the
// payload itself (Array, Object) rather than on Value, so Value stays a
// small, copyable struct.
type Value struct {
	kind Kind
	i    int64
	d    apd.Decimal
	s    string
	ptr  any // *Array, *Object, *Closure, *Exception, depending on kind
}

// Null is the sole null Value.
var Null = Value{kind: KindNull}

// True and False are the boolean Values.
var (
	True  = Value{kind: KindBool, i: 1}
	False = Value{kind: KindBool, i: 0}
)

func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Decimal(d apd.Decimal) Value { return Value{kind: KindDecimal, d: d} }

func Str(s string) Value { return Value{kind: KindString, s: s} }

func Arr(a *Array) Value { return Value{kind: KindArray, ptr: a} }

func Obj(o *Object) Value { return Value{kind: KindObject, ptr: o} }

func HeapID(id ArenaID) Value { return Value{kind: KindHeapID, i: int64(id)} }

func PC(addr int) Value { return Value{kind: KindPC, i: int64(addr)} }

func Clo(c *Closure) Value { return Value{kind: KindClosure, ptr: c} }

func Promise(handle uint64) Value { return Value{kind: KindPromise, i: int64(handle)} }

func Exc(e *Exception) Value { return Value{kind: KindException, ptr: e} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool { return v.kind == KindBool && v.i != 0 }

func (v Value) Int() int64 { return v.i }

func (v Value) DecimalVal() apd.Decimal { return v.d }

func (v Value) Str() string { return v.s }

func (v Value) ArenaOf() ArenaID { return ArenaID(v.i) }

func (v Value) PCAddr() int { return int(v.i) }

func (v Value) PromiseHandle() uint64 { return uint64(v.i) }

func (v Value) Array() *Array { a, _ := v.ptr.(*Array); return a }

func (v Value) Object() *Object { o, _ := v.ptr.(*Object); return o }

func (v Value) Closure() *Closure { c, _ := v.ptr.(*Closure); return c }

func (v Value) Exception() *Exception { e, _ := v.ptr.(*Exception); return e }

// Owner reports the arena that owns v, or NoArena for inline primitives.
func (v Value) Owner() ArenaID {
	switch v.kind {
	case KindArray:
		return v.Array().Arena
	case KindObject:
		return v.Object().Arena
	default:
		return NoArena
	}
}

// Truthy implements the VM's notion of truthiness for JUMPIF/JUMPIFNOT.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.i != 0
	case KindDecimal:
		return !v.d.IsZero()
	case KindString:
		return v.s != ""
	case KindArray:
		return len(v.Array().Elements) > 0
	case KindObject:
		return len(v.Object().Pairs) > 0
	default:
		return true
	}
}
