package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Magic identifies a crouton file: "LOAF" read as a big-endian uint32.
const Magic uint32 = 0x4C4F4146

// Version is the format version this package writes and the highest major
// version it will load.
var Version = SemVer{Major: 1, Minor: 0, Patch: 0}

type SemVer struct {
	Major, Minor, Patch uint16
}

// ConstTag identifies the type of one constant-pool entry.
type ConstTag byte

const (
	ConstNull    ConstTag = 0x00
	ConstInt     ConstTag = 0x01
	ConstFloat   ConstTag = 0x02
	ConstString  ConstTag = 0x03
	ConstBool    ConstTag = 0x04
)

// Constant is one constant-pool entry. Exactly one field is meaningful,
// selected by Tag.
type Constant struct {
	Tag ConstTag
	I   int64
	F   float64
	S   string
	B   bool
}

// Binding records one top-level binding's code range and static
// dependency set, emitted by the compiler alongside the instruction array
// so the scheduler (C6) never needs to re-derive them from source.
type Binding struct {
	Name         string
	Start, End   int // byte offset range into Code, [Start, End)
	Dependencies []string
}

// Chunk is the builder-side, in-memory form of a crouton module: the
// compiler appends to it, Serialize writes it to the wire format, and Load
// reads it back validated.
type Chunk struct {
	ModuleName string
	Constants  []Constant
	Code       []byte // opcode bytes and big-endian operand words
	Bindings   []Binding
}

// NewChunk creates an empty chunk for the named module.
func NewChunk(moduleName string) *Chunk {
	return &Chunk{ModuleName: moduleName}
}

// AddConstant appends c to the pool and returns its index. Unlike the
// teacher's string-only pool, constants here are typed and not deduplicated
// across tags to keep index bookkeeping in the compiler simple.
func (c *Chunk) AddConstant(k Constant) uint32 {
	idx := uint32(len(c.Constants))
	c.Constants = append(c.Constants, k)
	return idx
}

// Emit appends an opcode with its operands, panicking if the operand count
// doesn't match the opcode's arity — a compiler bug, not a runtime one.
func (c *Chunk) Emit(op Opcode, operands ...uint32) int {
	d, ok := Lookup(op)
	if !ok {
		panic(fmt.Sprintf("bytecode: emitting unknown opcode 0x%02X", byte(op)))
	}
	if len(operands) != d.OperandLen {
		panic(fmt.Sprintf("bytecode: %s wants %d operands, got %d", d.Name, d.OperandLen, len(operands)))
	}
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	for _, o := range operands {
		c.Code = binary.BigEndian.AppendUint32(c.Code, o)
	}
	return offset
}

// EmitJump emits a jump opcode with a placeholder target and returns the
// offset of the operand word, for PatchJump to fill in later.
func (c *Chunk) EmitJump(op Opcode) int {
	offset := len(c.Code) + 1
	c.Emit(op, 0xFFFFFFFF)
	return offset
}

// PatchJump overwrites the operand word at offset (as returned by
// EmitJump) with the current length of Code, an absolute byte offset.
func (c *Chunk) PatchJump(offset int) {
	c.PatchJumpTo(offset, len(c.Code))
}

// PatchJumpTo overwrites the operand word at offset with target, an
// absolute byte offset into Code.
func (c *Chunk) PatchJumpTo(offset, target int) {
	binary.BigEndian.PutUint32(c.Code[offset:offset+4], uint32(target))
}

// Pos returns the current write position, usable as a jump target.
func (c *Chunk) Pos() int { return len(c.Code) }

// AddBinding records the code range and dependency set of one top-level
// binding (spec §3's Binding tuple, minus runtime state).
func (c *Chunk) AddBinding(name string, start, end int, deps []string) {
	c.Bindings = append(c.Bindings, Binding{Name: name, Start: start, End: end, Dependencies: deps})
}

// Serialize encodes the chunk to the crouton wire format:
//
//	magic:4 major:2 minor:2 patch:2
//	name_len:4 name:...
//	const_count:4 constants:...
//	code_len:4 instructions:...
//	binding_count:4 bindings:...
//
// code_len is the length of the instruction array in bytes, not a count of
// instructions.
//
// The binding table is a loaf-specific trailer appended after the
// instruction array; §4.1's validation contract covers magic, version,
// constants, and instructions only — the trailer is opaque to a strict
// reader of that contract and is validated separately by Load.
func (c *Chunk) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 64+len(c.Code))

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], Magic)
	buf = append(buf, hdr[:]...)
	buf = binary.BigEndian.AppendUint16(buf, Version.Major)
	buf = binary.BigEndian.AppendUint16(buf, Version.Minor)
	buf = binary.BigEndian.AppendUint16(buf, Version.Patch)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.ModuleName)))
	buf = append(buf, c.ModuleName...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Constants)))
	for _, k := range c.Constants {
		buf = append(buf, byte(k.Tag))
		switch k.Tag {
		case ConstNull:
		case ConstInt:
			buf = binary.BigEndian.AppendUint64(buf, uint64(k.I))
		case ConstFloat:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(k.F))
		case ConstString:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(k.S)))
			buf = append(buf, k.S...)
		case ConstBool:
			if k.B {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		default:
			return nil, fmt.Errorf("bytecode: unknown constant tag 0x%02X", byte(k.Tag))
		}
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Code)))
	buf = append(buf, c.Code...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Bindings)))
	for _, b := range c.Bindings {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Name)))
		buf = append(buf, b.Name...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(b.Start))
		buf = binary.BigEndian.AppendUint32(buf, uint32(b.End))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Dependencies)))
		for _, dep := range b.Dependencies {
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(dep)))
			buf = append(buf, dep...)
		}
	}

	return buf, nil
}
