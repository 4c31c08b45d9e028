package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hafthor/loaf/pkg/bytecode"
	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/value"
)

func load(t *testing.T, c *bytecode.Chunk) *bytecode.Program {
	t.Helper()
	data, err := c.Serialize()
	require.NoError(t, err)
	p, err := bytecode.Load(data)
	require.NoError(t, err)
	return p
}

func newVM(t *testing.T, p *bytecode.Program) (*VM, *heap.Arena) {
	t.Helper()
	mgr := heap.NewManager(1 << 20)
	arena := mgr.Create()
	return New(p, mgr, arena), arena
}

func TestArithmeticAndComparison(t *testing.T) {
	c := bytecode.NewChunk("m")
	a := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 2})
	b := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 3})
	c.Emit(bytecode.PUSH, a)
	c.Emit(bytecode.PUSH, b)
	c.Emit(bytecode.ADD)
	c.Emit(bytecode.RETURN)
	p := load(t, c)
	v, _ := newVM(t, p)
	result, err := v.Run(0, len(p.Code), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Int())
}

func TestJumpIfNotSkipsBranch(t *testing.T) {
	c := bytecode.NewChunk("m")
	falseConst := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstBool, B: false})
	one := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 1})
	two := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 2})

	c.Emit(bytecode.PUSH, falseConst)
	jumpOffset := c.EmitJump(bytecode.JUMPIFNOT)
	c.Emit(bytecode.PUSH, one) // skipped
	c.Emit(bytecode.RETURN)
	c.PatchJump(jumpOffset)
	c.Emit(bytecode.PUSH, two)
	c.Emit(bytecode.RETURN)

	p := load(t, c)
	v, _ := newVM(t, p)
	result, err := v.Run(0, len(p.Code), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Int())
}

func TestLocalsRoundTrip(t *testing.T) {
	c := bytecode.NewChunk("m")
	c.Emit(bytecode.LOADLOCAL, 0)
	c.Emit(bytecode.LOADLOCAL, 1)
	c.Emit(bytecode.ADD)
	c.Emit(bytecode.RETURN)
	p := load(t, c)
	v, _ := newVM(t, p)
	result, err := v.Run(0, len(p.Code), []value.Value{value.Int(10), value.Int(32)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.Int())
}

func TestDivisionByZeroRaisesCatchableException(t *testing.T) {
	c := bytecode.NewChunk("m")
	one := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 1})
	zero := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 0})

	tryOff := c.Emit(bytecode.TRYBLOCK, 0, 0xFFFFFFFF, 0)
	c.Emit(bytecode.PUSH, one)
	c.Emit(bytecode.PUSH, zero)
	c.Emit(bytecode.DIV)
	c.Emit(bytecode.RETURN)
	catchAddr := c.Pos()
	c.Emit(bytecode.CATCHBLOCK)
	c.Emit(bytecode.POP) // drop the exception value
	msg := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstString, S: "caught"})
	c.Emit(bytecode.PUSH, msg)
	c.Emit(bytecode.RETURN)
	endAddr := c.Pos()
	c.Emit(bytecode.ENDTRY)

	c.PatchJumpTo(tryOff+1, catchAddr) // operand 0 (catch target) follows the opcode byte
	_ = endAddr

	p := load(t, c)
	v, _ := newVM(t, p)
	result, err := v.Run(0, len(p.Code), nil)
	require.NoError(t, err)
	assert.Equal(t, "caught", result.Str())
}

func TestFinallyRunsOnNonLocalReturn(t *testing.T) {
	c := bytecode.NewChunk("m")
	ninetyNine := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 99})

	tryOff := c.Emit(bytecode.TRYBLOCK, 0xFFFFFFFF, 0, 0)
	c.Emit(bytecode.PUSH, ninetyNine)
	c.Emit(bytecode.RETURN) // a RETURN inside the try body must still run finally before escaping
	finallyAddr := c.Pos()
	c.Emit(bytecode.FINALLYBLOCK)
	c.Emit(bytecode.NEWARRAY, 0) // the finally body's own allocation, observable on the arena
	c.Emit(bytecode.POP)
	c.Emit(bytecode.ENDTRY)

	c.PatchJumpTo(tryOff+5, finallyAddr) // operand 1 (finally target)

	p := load(t, c)
	v, arena := newVM(t, p)
	result, err := v.Run(0, len(p.Code), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(99), result.Int(), "the original return value survives past the finally")
	assert.Positive(t, arena.Allocated(), "the finally body's own instructions must have executed")
}

func TestArrayElementAccessAndBounds(t *testing.T) {
	c := bytecode.NewChunk("m")
	a := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 10})
	b := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 20})
	idx := c.AddConstant(bytecode.Constant{Tag: bytecode.ConstInt, I: 1})

	c.Emit(bytecode.PUSH, a)
	c.Emit(bytecode.PUSH, b)
	c.Emit(bytecode.NEWARRAY, 2)
	c.Emit(bytecode.PUSH, idx)
	c.Emit(bytecode.GETELEMENT)
	c.Emit(bytecode.RETURN)

	p := load(t, c)
	v, _ := newVM(t, p)
	result, err := v.Run(0, len(p.Code), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), result.Int())
}

func TestCrossHeapReferenceRejected(t *testing.T) {
	mgr := heap.NewManager(1 << 20)
	arenaA := mgr.Create()
	arenaB := mgr.Create()

	containerArr := arenaA.NewArray()
	containerArr.Elements = []value.Value{value.Int(0)}
	foreignArr := arenaB.NewArray()

	err := arenaA.CheckOwnership(value.Arr(foreignArr), containerArr.Arena)
	require.Error(t, err)
	var chrErr *heap.CrossHeapReferenceError
	require.ErrorAs(t, err, &chrErr)
}

func TestStackUnderflowIsReportedNotPanicked(t *testing.T) {
	c := bytecode.NewChunk("m")
	c.Emit(bytecode.ADD)
	c.Emit(bytecode.RETURN)
	p := load(t, c)
	v, _ := newVM(t, p)
	_, err := v.Run(0, len(p.Code), nil)
	require.Error(t, err)
	var underflow *StackUnderflow
	require.ErrorAs(t, err, &underflow)
}
