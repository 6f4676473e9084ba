package native

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"smda/internal/disasm"
)

const arm64InsnLen = 4

func arm64Flow(inst arm64asm.Inst) disasm.Flow {
	switch inst.Op {
	case arm64asm.BL, arm64asm.BLR:
		return disasm.FlowCall
	case arm64asm.BR:
		return disasm.FlowJump
	case arm64asm.B:
		for _, arg := range inst.Args {
			if _, ok := arg.(arm64asm.Cond); ok {
				return disasm.FlowCondJump
			}
		}
		return disasm.FlowJump
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return disasm.FlowCondJump
	case arm64asm.RET:
		return disasm.FlowReturn
	}
	return disasm.FlowNone
}

// decodeARM64 decodes one A64 instruction at va. PC-relative operands are
// rendered as absolute addresses.
func decodeARM64(code []byte, va uint64) (disasm.Inst, error) {
	if len(code) < arm64InsnLen {
		return disasm.Inst{}, fmt.Errorf("truncated instruction (%d bytes left)", len(code))
	}
	inst, err := arm64asm.Decode(code[:arm64InsnLen])
	if err != nil {
		return disasm.Inst{}, fmt.Errorf("failed to decode instruction: %w", err)
	}

	in := disasm.Inst{
		VA:    va,
		Size:  arm64InsnLen,
		Bytes: code[:arm64InsnLen],
		Op:    strings.ToLower(inst.Op.String()),
		Flow:  arm64Flow(inst),
	}

	var ops []string
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case arm64asm.Cond:
			in.Op += "." + strings.ToLower(a.String())
		case arm64asm.PCRel:
			target := va + uint64(int64(a))
			ops = append(ops, fmt.Sprintf("0x%x", target))
			if in.Flow != disasm.FlowNone && in.Flow != disasm.FlowReturn {
				in.Target, in.Direct = target, true
			}
		default:
			ops = append(ops, strings.ToLower(arg.String()))
		}
	}
	in.Operands = strings.Join(ops, ", ")
	return in, nil
}

// arm64Prologues returns the addresses of "stp x29, x30, [sp, ...]" frame
// setups on 4-byte boundaries.
func arm64Prologues(code []byte, base uint64, abort disasm.AbortFunc) ([]uint64, bool) {
	var out []uint64
	for off := 0; off+arm64InsnLen <= len(code); off += arm64InsnLen {
		if off%scanPoll == 0 && abort() {
			return out, false
		}
		inst, err := arm64asm.Decode(code[off : off+arm64InsnLen])
		if err != nil || inst.Op != arm64asm.STP {
			continue
		}
		if inst.Args[0] == arm64asm.X29 && inst.Args[1] == arm64asm.X30 {
			out = append(out, base+uint64(off))
		}
	}
	return out, true
}
