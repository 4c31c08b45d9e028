package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FormatError reports a malformed or unsupported crouton document. The
// runtime must never execute a document Load has not returned cleanly
// (spec §4.1's validation contract).
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string         { return "format error: " + e.Reason }
func (e *FormatError) ExceptionType() string { return "FormatError" }

func formatErrorf(format string, args ...any) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// Program is a Load-validated, immutable crouton module ready for
// execution. Every instruction boundary, operand count, constant index,
// and jump target has already been checked.
type Program struct {
	ModuleName string
	Version    SemVer
	Constants  []Constant
	Code       []byte
	Bindings   []Binding

	// instrAt maps a byte offset to true iff it is the start of an
	// instruction, used to validate jump targets land on boundaries.
	instrAt map[int]bool
}

// Load validates and decodes a crouton document per spec §4.1/§6.
func Load(data []byte) (*Program, error) {
	pos := 0
	readN := func(n int, what string) ([]byte, error) {
		if pos+n > len(data) {
			return nil, formatErrorf("truncated reading %s (need %d bytes at offset %d, have %d)", what, n, pos, len(data)-pos)
		}
		b := data[pos : pos+n]
		pos += n
		return b, nil
	}

	hdr, err := readN(4, "magic")
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr) != Magic {
		return nil, formatErrorf("bad magic: got 0x%08X, want 0x%08X", binary.BigEndian.Uint32(hdr), Magic)
	}

	verBytes, err := readN(6, "version")
	if err != nil {
		return nil, err
	}
	ver := SemVer{
		Major: binary.BigEndian.Uint16(verBytes[0:2]),
		Minor: binary.BigEndian.Uint16(verBytes[2:4]),
		Patch: binary.BigEndian.Uint16(verBytes[4:6]),
	}
	if ver.Major > Version.Major {
		return nil, formatErrorf("unsupported major version %d (runtime supports up to %d)", ver.Major, Version.Major)
	}

	nameLenB, err := readN(4, "module name length")
	if err != nil {
		return nil, err
	}
	nameLen := binary.BigEndian.Uint32(nameLenB)
	nameB, err := readN(int(nameLen), "module name")
	if err != nil {
		return nil, err
	}
	moduleName := string(nameB)

	constCountB, err := readN(4, "constant count")
	if err != nil {
		return nil, err
	}
	constCount := binary.BigEndian.Uint32(constCountB)
	constants := make([]Constant, constCount)
	for i := range constants {
		tagB, err := readN(1, fmt.Sprintf("constant %d tag", i))
		if err != nil {
			return nil, err
		}
		tag := ConstTag(tagB[0])
		switch tag {
		case ConstNull:
			constants[i] = Constant{Tag: tag}
		case ConstInt:
			b, err := readN(8, fmt.Sprintf("constant %d integer", i))
			if err != nil {
				return nil, err
			}
			constants[i] = Constant{Tag: tag, I: int64(binary.BigEndian.Uint64(b))}
		case ConstFloat:
			b, err := readN(8, fmt.Sprintf("constant %d float", i))
			if err != nil {
				return nil, err
			}
			constants[i] = Constant{Tag: tag, F: math.Float64frombits(binary.BigEndian.Uint64(b))}
		case ConstString:
			lenB, err := readN(4, fmt.Sprintf("constant %d string length", i))
			if err != nil {
				return nil, err
			}
			strLen := binary.BigEndian.Uint32(lenB)
			sB, err := readN(int(strLen), fmt.Sprintf("constant %d string", i))
			if err != nil {
				return nil, err
			}
			constants[i] = Constant{Tag: tag, S: string(sB)}
		case ConstBool:
			b, err := readN(1, fmt.Sprintf("constant %d bool", i))
			if err != nil {
				return nil, err
			}
			constants[i] = Constant{Tag: tag, B: b[0] != 0}
		default:
			return nil, formatErrorf("constant %d: unknown tag 0x%02X", i, byte(tag))
		}
	}

	codeLenB, err := readN(4, "instruction byte length")
	if err != nil {
		return nil, err
	}
	codeLen := binary.BigEndian.Uint32(codeLenB)
	code, err := readN(int(codeLen), "instructions")
	if err != nil {
		return nil, err
	}

	instrAt := make(map[int]bool)
	for ip := 0; ip < len(code); {
		instrAt[ip] = true
		op := Opcode(code[ip])
		def, ok := Lookup(op)
		if !ok {
			return nil, formatErrorf("unknown opcode 0x%02X at instruction offset %d", byte(op), ip)
		}
		need := 1 + def.OperandLen*4
		if ip+need > len(code) {
			return nil, formatErrorf("truncated operands for %s at offset %d", def.Name, ip)
		}
		for i := 0; i < def.OperandLen; i++ {
			operand := binary.BigEndian.Uint32(code[ip+1+i*4:])
			if (op == PUSH && i == 0) && int(operand) >= len(constants) {
				return nil, formatErrorf("%s at offset %d: constant index %d out of range (pool has %d)", def.Name, ip, operand, len(constants))
			}
		}
		ip += need
	}
	for ip := 0; ip < len(code); {
		op := Opcode(code[ip])
		def, _ := Lookup(op)
		if op.IsJump() {
			target := int(binary.BigEndian.Uint32(code[ip+1:]))
			if !instrAt[target] && target != len(code) {
				return nil, formatErrorf("%s at offset %d: jump target %d is not on an instruction boundary", def.Name, ip, target)
			}
		}
		ip += 1 + def.OperandLen*4
	}

	bindCountB, err := readN(4, "binding count")
	if err != nil {
		return nil, err
	}
	bindCount := binary.BigEndian.Uint32(bindCountB)
	bindings := make([]Binding, bindCount)
	for i := range bindings {
		nameLenB, err := readN(4, fmt.Sprintf("binding %d name length", i))
		if err != nil {
			return nil, err
		}
		nB, err := readN(int(binary.BigEndian.Uint32(nameLenB)), fmt.Sprintf("binding %d name", i))
		if err != nil {
			return nil, err
		}
		startB, err := readN(4, fmt.Sprintf("binding %d start", i))
		if err != nil {
			return nil, err
		}
		endB, err := readN(4, fmt.Sprintf("binding %d end", i))
		if err != nil {
			return nil, err
		}
		start, end := int(binary.BigEndian.Uint32(startB)), int(binary.BigEndian.Uint32(endB))
		if start > end || end > len(code) || !instrAt[start] {
			return nil, formatErrorf("binding %q: code range [%d,%d) invalid", string(nB), start, end)
		}
		depCountB, err := readN(4, fmt.Sprintf("binding %d dependency count", i))
		if err != nil {
			return nil, err
		}
		depCount := binary.BigEndian.Uint32(depCountB)
		deps := make([]string, depCount)
		for j := range deps {
			dLenB, err := readN(4, fmt.Sprintf("binding %d dependency %d length", i, j))
			if err != nil {
				return nil, err
			}
			dB, err := readN(int(binary.BigEndian.Uint32(dLenB)), fmt.Sprintf("binding %d dependency %d", i, j))
			if err != nil {
				return nil, err
			}
			deps[j] = string(dB)
		}
		bindings[i] = Binding{Name: string(nB), Start: start, End: end, Dependencies: deps}
	}

	if pos != len(data) {
		return nil, formatErrorf("%d trailing bytes after binding table", len(data)-pos)
	}

	return &Program{
		ModuleName: moduleName,
		Version:    ver,
		Constants:  constants,
		Code:       code,
		Bindings:   bindings,
		instrAt:    instrAt,
	}, nil
}

// IsInstructionBoundary reports whether offset is the start of a decoded
// instruction, used by the VM to validate CALL targets at dispatch time.
func (p *Program) IsInstructionBoundary(offset int) bool {
	return offset == len(p.Code) || p.instrAt[offset]
}
