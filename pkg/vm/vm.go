// Package vm implements the stack machine (C4) and its structured
// exception unwinder (C5): three stacks (evaluation, call, try), opcode
// dispatch per the crouton instruction set, and the finally-always state
// machine described in spec §4.4.
package vm

import (
	"fmt"
	"io"

	"github.com/cockroachdb/apd/v3"

	"github.com/Hafthor/loaf/pkg/bytecode"
	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/value"
)

const maxCallDepth = 512

// CallFrame is one entry on the call stack, pushed by CALL and popped by
// a RETURN (direct or redirected through a pending finally).
type CallFrame struct {
	ReturnPC         int
	CallerLocalsBase int
	PriorLocalsLen   int
}

// TryFrame is one entry on the try stack, pushed by TRYBLOCK and
// consumed by the unwinder (spec §4.4).
type TryFrame struct {
	CatchAddr, FinallyAddr, EndAddr int // -1 if absent
	StackDepth, CallDepth           int
	InCatch, FinallyEntered         bool
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingThrow
	pendingReturn
)

type pending struct {
	kind  pendingKind
	exc   *value.Exception
	value value.Value
}

// VM executes one binding's instruction range against a single arena.
// A VM is not safe for concurrent use; pkg/runtime gives each binding its
// own VM, since the scheduler may run ready bindings of one request
// concurrently.
type VM struct {
	Program *bytecode.Program
	Manager *heap.Manager
	Out     io.Writer // PRINT destination; nil discards output

	arena  *heap.Arena
	ip     int
	locals []value.Value

	localsBase int
	evalStack  []value.Value
	callStack  []CallFrame
	tryStack   []TryFrame

	currentException *value.Exception
	pending          pending
}

// New creates a VM bound to arena, the request's heap.
func New(p *bytecode.Program, mgr *heap.Manager, arena *heap.Arena) *VM {
	return &VM{Program: p, Manager: mgr, arena: arena}
}

// Run executes instructions [start, end) with initialLocals pre-bound to
// slots 0..len(initialLocals)-1 — the scheduler's resolved dependency
// values for this binding — and returns the binding's resolved Value or
// the exception that escaped uncaught.
func (vm *VM) Run(start, end int, initialLocals []value.Value) (value.Value, error) {
	vm.ip = start
	vm.locals = append([]value.Value(nil), initialLocals...)
	vm.localsBase = 0
	vm.evalStack = vm.evalStack[:0]
	vm.callStack = vm.callStack[:0]
	vm.tryStack = vm.tryStack[:0]
	vm.currentException = nil
	vm.pending = pending{}

	for {
		if vm.ip >= end && len(vm.callStack) == 0 {
			if len(vm.evalStack) == 0 {
				return value.Null, nil
			}
			return vm.pop(), nil
		}
		result, err, done := vm.step()
		if err != nil {
			return value.Value{}, err
		}
		if done {
			return result, nil
		}
	}
}

func (vm *VM) push(v value.Value) { vm.evalStack = append(vm.evalStack, v) }

func (vm *VM) pop() value.Value {
	n := len(vm.evalStack)
	v := vm.evalStack[n-1]
	vm.evalStack = vm.evalStack[:n-1]
	return v
}

func (vm *VM) operand(n int) uint32 {
	off := vm.ip + 1 + n*4
	b := vm.Program.Code[off : off+4]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// step executes a single instruction. done reports whether Run should
// return result as the binding's final value.
func (vm *VM) step() (result value.Value, err error, done bool) {
	if vm.ip < 0 || vm.ip >= len(vm.Program.Code) {
		return value.Value{}, &InternalError{Detail: "instruction pointer out of range"}, true
	}
	op := bytecode.Opcode(vm.Program.Code[vm.ip])
	def, ok := bytecode.Lookup(op)
	if !ok {
		return value.Value{}, &InternalError{Detail: fmt.Sprintf("unknown opcode 0x%02X", byte(op))}, true
	}
	next := vm.ip + 1 + def.OperandLen*4

	switch op {
	case bytecode.NOP:

	case bytecode.HALT:
		if len(vm.evalStack) == 0 {
			return value.Null, nil, true
		}
		return vm.pop(), nil, true

	case bytecode.PRINT:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		if vm.Out != nil {
			fmt.Fprintln(vm.Out, describe(v[0]))
		}

	case bytecode.PUSH:
		idx := vm.operand(0)
		if int(idx) >= len(vm.Program.Constants) {
			return value.Value{}, &InternalError{Detail: "constant index out of range"}, true
		}
		vm.push(constantValue(vm.Program.Constants[idx]))

	case bytecode.POP:
		if _, e := vm.need(1); e != nil {
			return value.Value{}, e, true
		}

	case bytecode.DUP:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		vm.push(v[0])
		vm.push(v[0])

	case bytecode.SWAP:
		v, e := vm.need(2)
		if e != nil {
			return value.Value{}, e, true
		}
		vm.push(v[1])
		vm.push(v[0])

	case bytecode.ADD, bytecode.SUB, bytecode.MUL, bytecode.DIV:
		v, e := vm.need(2)
		if e != nil {
			return value.Value{}, e, true
		}
		var res value.Value
		var opErr error
		switch op {
		case bytecode.ADD:
			res, opErr = value.Add(v[0], v[1])
		case bytecode.SUB:
			res, opErr = value.Sub(v[0], v[1])
		case bytecode.MUL:
			res, opErr = value.Mul(v[0], v[1])
		case bytecode.DIV:
			res, opErr = value.Quo(v[0], v[1])
		}
		if opErr != nil {
			if !vm.raise(ToException(opErr)) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		vm.push(res)

	case bytecode.NEG:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		res, opErr := value.Neg(v[0])
		if opErr != nil {
			if !vm.raise(ToException(opErr)) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		vm.push(res)

	case bytecode.BITAND, bytecode.BITOR, bytecode.BITXOR, bytecode.SHIFTLEFT, bytecode.SHIFTRIGHT, bytecode.ROTATELEFT, bytecode.ROTATERIGHT:
		v, e := vm.need(2)
		if e != nil {
			return value.Value{}, e, true
		}
		a, b := v[0].Int(), v[1].Int()
		var r int64
		switch op {
		case bytecode.BITAND:
			r = a & b
		case bytecode.BITOR:
			r = a | b
		case bytecode.BITXOR:
			r = a ^ b
		case bytecode.SHIFTLEFT:
			r = a << uint(b&63)
		case bytecode.SHIFTRIGHT:
			r = a >> uint(b&63)
		case bytecode.ROTATELEFT:
			u := uint64(a)
			s := uint(b & 63)
			r = int64(u<<s | u>>(64-s))
		case bytecode.ROTATERIGHT:
			u := uint64(a)
			s := uint(b & 63)
			r = int64(u>>s | u<<(64-s))
		}
		vm.push(value.Int(r))

	case bytecode.BITNOT:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		vm.push(value.Int(^v[0].Int()))

	case bytecode.AND, bytecode.OR:
		v, e := vm.need(2)
		if e != nil {
			return value.Value{}, e, true
		}
		if op == bytecode.AND {
			vm.push(value.Bool(v[0].Truthy() && v[1].Truthy()))
		} else {
			vm.push(value.Bool(v[0].Truthy() || v[1].Truthy()))
		}

	case bytecode.NOT:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		vm.push(value.Bool(!v[0].Truthy()))

	case bytecode.EQ, bytecode.NEQ:
		v, e := vm.need(2)
		if e != nil {
			return value.Value{}, e, true
		}
		eq := value.Equal(v[0], v[1])
		if op == bytecode.NEQ {
			eq = !eq
		}
		vm.push(value.Bool(eq))

	case bytecode.LT, bytecode.LTE, bytecode.GT, bytecode.GTE:
		v, e := vm.need(2)
		if e != nil {
			return value.Value{}, e, true
		}
		cmp, cmpErr := value.Compare(v[0], v[1])
		if cmpErr != nil {
			if !vm.raise(ToException(cmpErr)) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		var r bool
		switch op {
		case bytecode.LT:
			r = cmp < 0
		case bytecode.LTE:
			r = cmp <= 0
		case bytecode.GT:
			r = cmp > 0
		case bytecode.GTE:
			r = cmp >= 0
		}
		vm.push(value.Bool(r))

	case bytecode.JUMP:
		vm.ip = int(vm.operand(0))
		return value.Value{}, nil, false

	case bytecode.JUMPIF, bytecode.JUMPIFNOT:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		take := v[0].Truthy()
		if op == bytecode.JUMPIFNOT {
			take = !take
		}
		if take {
			vm.ip = int(vm.operand(0))
			return value.Value{}, nil, false
		}

	case bytecode.CALL:
		if len(vm.callStack) >= maxCallDepth {
			if !vm.raise(ToException(&StackOverflow{})) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		target, argc := int(vm.operand(0)), int(vm.operand(1))
		if !vm.Program.IsInstructionBoundary(target) {
			return value.Value{}, &bytecode.FormatError{Reason: fmt.Sprintf("CALL target %d is not an instruction boundary", target)}, true
		}
		args, e := vm.need(argc)
		if e != nil {
			return value.Value{}, e, true
		}
		base := len(vm.locals)
		vm.locals = append(vm.locals, args...)
		vm.callStack = append(vm.callStack, CallFrame{ReturnPC: next, CallerLocalsBase: vm.localsBase, PriorLocalsLen: base})
		vm.localsBase = base
		vm.ip = target
		return value.Value{}, nil, false

	case bytecode.RETURN:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		finalVal, redirected := vm.performReturn(v[0])
		if !redirected {
			return finalVal, nil, true
		}
		return value.Value{}, nil, false

	case bytecode.TRYBLOCK:
		catch, fin, endAddr := int(vm.operand(0)), int(vm.operand(1)), int(vm.operand(2))
		vm.tryStack = append(vm.tryStack, TryFrame{
			CatchAddr: normalizeAddr(catch), FinallyAddr: normalizeAddr(fin), EndAddr: normalizeAddr(endAddr),
			StackDepth: len(vm.evalStack), CallDepth: len(vm.callStack),
		})

	case bytecode.CATCHBLOCK:
		if len(vm.tryStack) > 0 {
			vm.tryStack[len(vm.tryStack)-1].InCatch = true
		}

	case bytecode.FINALLYBLOCK:
		// marker only; entry bookkeeping already done by the frame that redirected here.

	case bytecode.ENDTRY:
		if len(vm.tryStack) == 0 {
			return value.Value{}, &InternalError{Detail: "ENDTRY with no active try frame"}, true
		}
		vm.tryStack = vm.tryStack[:len(vm.tryStack)-1]
		switch vm.pending.kind {
		case pendingNone:
		case pendingThrow:
			exc := vm.pending.exc
			vm.pending = pending{}
			if !vm.raise(exc) {
				return value.Value{}, exc, true
			}
			return value.Value{}, nil, false
		case pendingReturn:
			val := vm.pending.value
			vm.pending = pending{}
			finalVal, redirected := vm.performReturn(val)
			if !redirected {
				return finalVal, nil, true
			}
			return value.Value{}, nil, false
		}

	case bytecode.THROW:
		v, e := vm.need(2)
		if e != nil {
			return value.Value{}, e, true
		}
		exc := &value.Exception{Type: v[0].Str(), Message: v[1].Str()}
		if !vm.raise(exc) {
			return value.Value{}, exc, true
		}
		return value.Value{}, nil, false

	case bytecode.RETHROW:
		if vm.currentException == nil {
			return value.Value{}, &InternalError{Detail: "RETHROW outside a catch block"}, true
		}
		exc := vm.currentException
		vm.currentException = nil
		if len(vm.tryStack) > 0 {
			vm.tryStack = vm.tryStack[:len(vm.tryStack)-1]
		}
		if !vm.raise(exc) {
			return value.Value{}, exc, true
		}
		return value.Value{}, nil, false

	case bytecode.STORELOCAL:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		slot := vm.localsBase + int(vm.operand(0))
		for slot >= len(vm.locals) {
			vm.locals = append(vm.locals, value.Null)
		}
		vm.locals[slot] = v[0]

	case bytecode.LOADLOCAL:
		slot := vm.localsBase + int(vm.operand(0))
		if slot < 0 || slot >= len(vm.locals) {
			if !vm.raise(ToException(&UnresolvedReference{Name: fmt.Sprintf("local slot %d", slot)})) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		vm.push(vm.locals[slot])

	case bytecode.CREATEHEAP:
		a := vm.Manager.Create()
		vm.push(value.HeapID(a.ID()))

	case bytecode.SWITCHHEAP:
		id := heap.ID(vm.operand(0))
		_ = id // SWITCHHEAP decodes its operand but does not change the VM's arena.

	case bytecode.COLLECTHEAP:
		vm.arena.Collect(append(append([]value.Value{}, vm.evalStack...), vm.locals...))

	case bytecode.NEWARRAY:
		n := int(vm.operand(0))
		elems, e := vm.need(n)
		if e != nil {
			return value.Value{}, e, true
		}
		arr := vm.arena.NewArray()
		arr.Elements = append(arr.Elements, elems...)
		vm.push(value.Arr(arr))

	case bytecode.GETELEMENT:
		v, e := vm.need(2)
		if e != nil {
			return value.Value{}, e, true
		}
		container, key := v[0], v[1]
		elem, getErr := getElement(container, key)
		if getErr != nil {
			if !vm.raise(ToException(getErr)) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		vm.push(elem)

	case bytecode.SETELEMENT:
		v, e := vm.need(3)
		if e != nil {
			return value.Value{}, e, true
		}
		container, key, val := v[0], v[1], v[2]
		if err := vm.arena.CheckOwnership(val, container.Owner()); err != nil {
			if !vm.raise(ToException(err)) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		if setErr := setElement(container, key, val); setErr != nil {
			if !vm.raise(ToException(setErr)) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		vm.push(container)

	case bytecode.ARRAYLENGTH:
		v, e := vm.need(1)
		if e != nil {
			return value.Value{}, e, true
		}
		if v[0].Kind() != value.KindArray {
			if !vm.raise(ToException(&TypeError{Detail: "ARRAYLENGTH on non-array"})) {
				return value.Value{}, vm.currentException, true
			}
			return value.Value{}, nil, false
		}
		vm.push(value.Int(int64(len(v[0].Array().Elements))))

	default:
		return value.Value{}, &InternalError{Detail: fmt.Sprintf("opcode %s not implemented", op)}, true
	}

	vm.ip = next
	return value.Value{}, nil, false
}

// need pops n values off the evaluation stack in push order, or raises
// StackUnderflow.
func (vm *VM) need(n int) ([]value.Value, error) {
	if len(vm.evalStack) < n {
		return nil, &StackUnderflow{}
	}
	start := len(vm.evalStack) - n
	v := vm.evalStack[start:]
	out := append([]value.Value(nil), v...)
	vm.evalStack = vm.evalStack[:start]
	return out, nil
}

// raise runs the unwinder state machine from spec §4.4 starting at the
// innermost try frame. It returns false once the exception has escaped
// every try frame, in which case vm.currentException holds it for the
// caller to propagate as the binding's Failed(exception) result.
func (vm *VM) raise(exc *value.Exception) bool {
	for len(vm.tryStack) > 0 {
		frame := &vm.tryStack[len(vm.tryStack)-1]
		if len(vm.evalStack) > frame.StackDepth {
			vm.evalStack = vm.evalStack[:frame.StackDepth]
		}
		if len(vm.callStack) > frame.CallDepth {
			vm.callStack = vm.callStack[:frame.CallDepth]
		}
		if frame.CatchAddr >= 0 && !frame.InCatch {
			frame.InCatch = true
			vm.currentException = exc
			vm.push(excToValue(exc))
			vm.ip = frame.CatchAddr
			return true
		}
		if frame.FinallyAddr >= 0 && !frame.FinallyEntered {
			frame.FinallyEntered = true
			vm.pending = pending{kind: pendingThrow, exc: exc}
			vm.ip = frame.FinallyAddr
			return true
		}
		vm.tryStack = vm.tryStack[:len(vm.tryStack)-1]
	}
	vm.currentException = exc
	return false
}

// performReturn implements the non-local-return interception: a RETURN
// crossing an unfinished finally redirects into it first (spec §4.4).
func (vm *VM) performReturn(val value.Value) (value.Value, bool) {
	if len(vm.tryStack) > 0 {
		frame := &vm.tryStack[len(vm.tryStack)-1]
		if frame.FinallyAddr >= 0 && !frame.FinallyEntered {
			frame.FinallyEntered = true
			vm.pending = pending{kind: pendingReturn, value: val}
			vm.ip = frame.FinallyAddr
			return value.Value{}, true
		}
	}
	if len(vm.callStack) > 0 {
		cf := vm.callStack[len(vm.callStack)-1]
		vm.callStack = vm.callStack[:len(vm.callStack)-1]
		vm.locals = vm.locals[:cf.PriorLocalsLen]
		vm.localsBase = cf.CallerLocalsBase
		vm.ip = cf.ReturnPC
		vm.push(val)
		return value.Value{}, true
	}
	return val, false
}

func normalizeAddr(operand int) int {
	if uint32(operand) == 0xFFFFFFFF {
		return -1
	}
	return operand
}

func excToValue(exc *value.Exception) value.Value {
	return value.Exc(exc)
}

func constantValue(k bytecode.Constant) value.Value {
	switch k.Tag {
	case bytecode.ConstNull:
		return value.Null
	case bytecode.ConstInt:
		return value.Int(k.I)
	case bytecode.ConstFloat:
		var d apd.Decimal
		d.SetFloat64(k.F)
		return value.Decimal(d)
	case bytecode.ConstString:
		return value.Str(k.S)
	case bytecode.ConstBool:
		return value.Bool(k.B)
	default:
		return value.Null
	}
}

func getElement(container, key value.Value) (value.Value, error) {
	switch container.Kind() {
	case value.KindArray:
		arr := container.Array()
		if key.Kind() != value.KindInt {
			return value.Value{}, &TypeError{Detail: "array index must be an integer"}
		}
		i := int(key.Int())
		if i < 0 || i >= len(arr.Elements) {
			return value.Value{}, &IndexOutOfBounds{Index: i, Length: len(arr.Elements)}
		}
		return arr.Elements[i], nil
	case value.KindObject:
		obj := container.Object()
		v, ok := obj.Get(key)
		if !ok {
			return value.Value{}, &UnresolvedReference{Name: describe(key)}
		}
		return v, nil
	case value.KindNull:
		return value.Value{}, &NullReference{Detail: "indexing null"}
	default:
		return value.Value{}, &TypeError{Detail: "cannot index " + container.Kind().String()}
	}
}

func setElement(container, key, val value.Value) error {
	switch container.Kind() {
	case value.KindArray:
		arr := container.Array()
		if key.Kind() != value.KindInt {
			return &TypeError{Detail: "array index must be an integer"}
		}
		i := int(key.Int())
		if i < 0 || i >= len(arr.Elements) {
			return &IndexOutOfBounds{Index: i, Length: len(arr.Elements)}
		}
		arr.Elements[i] = val
		return nil
	case value.KindObject:
		container.Object().Set(key, val)
		return nil
	default:
		return &TypeError{Detail: "cannot assign into " + container.Kind().String()}
	}
}

func describe(v value.Value) string {
	switch v.Kind() {
	case value.KindString:
		return v.Str()
	default:
		return v.Kind().String()
	}
}
