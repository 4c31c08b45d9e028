package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpcodeHexValuesPinnedBySpec(t *testing.T) {
	cases := map[Opcode]byte{
		NOP: 0x00, HALT: 0x01, PRINT: 0x02,
		PUSH: 0x10, POP: 0x11, DUP: 0x12, SWAP: 0x13,
		ADD: 0x20, SUB: 0x21, MUL: 0x22, DIV: 0x23, NEG: 0x24,
		BITAND: 0x30, ROTATERIGHT: 0x37,
		AND: 0x40, OR: 0x41, NOT: 0x42,
		EQ: 0x50, GTE: 0x55,
		JUMP: 0x60, JUMPIF: 0x61, JUMPIFNOT: 0x62, CALL: 0x63, RETURN: 0x64,
		TRYBLOCK: 0x6A, CATCHBLOCK: 0x6B, FINALLYBLOCK: 0x6C, ENDTRY: 0x6D, THROW: 0x6E, RETHROW: 0x6F,
		STORELOCAL: 0x70, LOADLOCAL: 0x71,
		CREATEHEAP: 0x80, SWITCHHEAP: 0x81, COLLECTHEAP: 0x82,
		NEWARRAY: 0x90, GETELEMENT: 0x91, SETELEMENT: 0x92, ARRAYLENGTH: 0x93,
	}
	for op, want := range cases {
		require.Equal(t, want, byte(op), "opcode %s", op)
	}
}

func TestEveryOpcodeHasADefinition(t *testing.T) {
	for _, op := range AllOpcodes() {
		_, ok := Lookup(op)
		require.True(t, ok, "opcode 0x%02X missing definition", byte(op))
		require.NotEqual(t, "", op.String())
	}
}

func TestInstructionLenMatchesOperandCount(t *testing.T) {
	require.Equal(t, 1, NOP.InstructionLen())
	require.Equal(t, 5, PUSH.InstructionLen())
	require.Equal(t, 13, TRYBLOCK.InstructionLen())
}

func TestIsJump(t *testing.T) {
	require.True(t, JUMP.IsJump())
	require.True(t, JUMPIF.IsJump())
	require.False(t, ADD.IsJump())
}
