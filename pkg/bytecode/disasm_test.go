package bytecode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisassembleListsConstantsAndInstructions(t *testing.T) {
	c := NewChunk("greet")
	idx := c.AddConstant(Constant{Tag: ConstString, S: "hello"})
	c.Emit(PUSH, idx)
	c.Emit(RETURN)
	c.AddBinding("greeting", 0, c.Pos(), nil)
	data, err := c.Serialize()
	require.NoError(t, err)
	p, err := Load(data)
	require.NoError(t, err)

	out := Disassemble(p)
	require.True(t, strings.Contains(out, "greet"))
	require.True(t, strings.Contains(out, "PUSH"))
	require.True(t, strings.Contains(out, "RETURN"))
	require.True(t, strings.Contains(out, "greeting"))
}
