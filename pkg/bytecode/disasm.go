package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of p, used by `loaf info`.
func Disassemble(p *Program) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "; module %s (crouton v%d.%d.%d)\n", p.ModuleName, p.Version.Major, p.Version.Minor, p.Version.Patch)

	if len(p.Constants) > 0 {
		sb.WriteString("; constants:\n")
		for i, k := range p.Constants {
			fmt.Fprintf(&sb, ";   [%d] %s\n", i, describeConstant(k))
		}
	}

	sb.WriteString("; code:\n")
	for ip := 0; ip < len(p.Code); {
		op := Opcode(p.Code[ip])
		def, ok := Lookup(op)
		if !ok {
			fmt.Fprintf(&sb, "%6d  ??? 0x%02X\n", ip, byte(op))
			ip++
			continue
		}
		fmt.Fprintf(&sb, "%6d  %s", ip, def.Name)
		for i := 0; i < def.OperandLen; i++ {
			operand := binary.BigEndian.Uint32(p.Code[ip+1+i*4:])
			fmt.Fprintf(&sb, " %d", operand)
		}
		sb.WriteString("\n")
		ip += 1 + def.OperandLen*4
	}

	if len(p.Bindings) > 0 {
		sb.WriteString("; bindings:\n")
		for _, b := range p.Bindings {
			fmt.Fprintf(&sb, ";   %s [%d,%d) deps=%v\n", b.Name, b.Start, b.End, b.Dependencies)
		}
	}

	return sb.String()
}

func describeConstant(k Constant) string {
	switch k.Tag {
	case ConstNull:
		return "null"
	case ConstInt:
		return fmt.Sprintf("integer %d", k.I)
	case ConstFloat:
		return fmt.Sprintf("float %v", k.F)
	case ConstString:
		return fmt.Sprintf("string %q", k.S)
	case ConstBool:
		return fmt.Sprintf("bool %v", k.B)
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(k.Tag))
	}
}
