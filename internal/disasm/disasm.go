// Package disasm defines the instruction, function and result types shared
// by the disassembly backends, the session and the report synthesizer.
package disasm

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Flow classifies how an instruction transfers control.
type Flow uint8

const (
	FlowNone Flow = iota
	FlowCall
	FlowJump
	FlowCondJump
	FlowReturn
)

func (f Flow) String() string {
	switch f {
	case FlowCall:
		return "call"
	case FlowJump:
		return "jump"
	case FlowCondJump:
		return "cjump"
	case FlowReturn:
		return "ret"
	default:
		return "none"
	}
}

// Inst is a simplified decoded instruction.
type Inst struct {
	VA       uint64 // virtual address of instruction
	Size     int    // encoded length in bytes
	Bytes    []byte // raw encoding, aliases the analysed buffer
	Op       string // mnemonic in lowercase
	Operands string // formatted operands
	Flow     Flow
	Target   uint64 // branch or call target, valid when Direct is set
	Direct   bool   // target was resolved statically
}

// Next returns the address of the instruction that follows i.
func (i Inst) Next() uint64 {
	return i.VA + uint64(i.Size)
}

// Text returns the instruction formatted as "mnemonic operands".
func (i Inst) Text() string {
	if i.Operands == "" {
		return i.Op
	}
	return i.Op + " " + i.Operands
}

// Hex returns the raw encoding as a lowercase hex string.
func (i Inst) Hex() string {
	return hex.EncodeToString(i.Bytes)
}

// EndsBlock reports whether control cannot simply fall through into the
// next instruction as part of the same basic block.
func (i Inst) EndsBlock() bool {
	return i.Flow == FlowJump || i.Flow == FlowCondJump || i.Flow == FlowReturn
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Listing formats the stream as one "address  bytes  text" line per
// instruction.
func (s Stream) Listing() string {
	var b strings.Builder
	for _, in := range s {
		fmt.Fprintf(&b, "%-10x %-24s %s\n", in.VA, in.Hex(), in.Text())
	}
	return b.String()
}

// AbortFunc is the cooperative cancellation predicate handed to a backend.
// Backends must call it at bounded intervals during analysis and stop with
// a partial result once it returns true. Nothing forces a backend to call
// it; a backend that never polls cannot be interrupted.
type AbortFunc func() bool

// Never is an AbortFunc that never fires.
func Never() bool { return false }
