package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeLoadRoundTrip(t *testing.T) {
	c := NewChunk("test")
	idx := c.AddConstant(Constant{Tag: ConstInt, I: 42})
	c.Emit(PUSH, idx)
	jmp := c.EmitJump(JUMPIFNOT)
	c.Emit(PUSH, c.AddConstant(Constant{Tag: ConstString, S: "yes"}))
	end := c.EmitJump(JUMP)
	c.PatchJump(jmp)
	c.Emit(PUSH, c.AddConstant(Constant{Tag: ConstString, S: "no"}))
	c.PatchJump(end)
	c.Emit(RETURN)
	c.AddBinding("result", 0, c.Pos(), nil)

	data, err := c.Serialize()
	require.NoError(t, err)

	p, err := Load(data)
	require.NoError(t, err)
	require.Equal(t, "test", p.ModuleName)
	require.Len(t, p.Constants, 3)
	require.Equal(t, int64(42), p.Constants[0].I)
	require.Len(t, p.Bindings, 1)
	require.Equal(t, "result", p.Bindings[0].Name)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	_, err := Load([]byte{0, 0, 0, 0, 0, 1, 0, 0, 0, 0})
	require.Error(t, err)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}

func TestLoadRejectsTruncation(t *testing.T) {
	c := NewChunk("short")
	c.Emit(NOP)
	data, err := c.Serialize()
	require.NoError(t, err)
	_, err = Load(data[:len(data)-3])
	require.Error(t, err)
}

func TestLoadRejectsBadJumpTarget(t *testing.T) {
	c := NewChunk("badjump")
	c.Emit(JUMP, 999)
	data, err := c.Serialize()
	require.NoError(t, err)
	_, err = Load(data)
	require.Error(t, err)
}

func TestLoadRejectsUnknownOpcode(t *testing.T) {
	c := NewChunk("unk")
	c.Emit(NOP)
	data, err := c.Serialize()
	require.NoError(t, err)

	nopOffset := -1
	for i, b := range data {
		if b == byte(NOP) && i >= 4+6+4+len("unk")+4+4 {
			nopOffset = i
			break
		}
	}
	require.GreaterOrEqual(t, nopOffset, 0)
	bad := append([]byte{}, data...)
	bad[nopOffset] = 0xFE
	_, err = Load(bad)
	require.Error(t, err)
}
