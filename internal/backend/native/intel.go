package native

import (
	"fmt"
	"strings"

	"github.com/maxgio92/prologo"
	"golang.org/x/arch/x86/x86asm"

	"smda/internal/disasm"
)

// scanPoll is the number of bytes a prologue scan covers between two polls
// of the abort predicate.
const scanPoll = 4096

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

var intelPrefixes = map[string]bool{
	"rep": true, "repe": true, "repne": true, "repz": true, "repnz": true, "lock": true,
}

// splitText splits formatted assembly into mnemonic and operands, keeping
// repeat and lock prefixes with the mnemonic.
func splitText(text string) (string, string) {
	text = strings.TrimSpace(text)
	op, rest, _ := strings.Cut(text, " ")
	if intelPrefixes[op] && rest != "" {
		next, tail, _ := strings.Cut(rest, " ")
		return op + " " + next, strings.TrimSpace(tail)
	}
	return op, strings.TrimSpace(rest)
}

func intelFlow(op x86asm.Op) disasm.Flow {
	switch op {
	case x86asm.CALL, x86asm.LCALL:
		return disasm.FlowCall
	case x86asm.JMP, x86asm.LJMP:
		return disasm.FlowJump
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.HLT, x86asm.UD1, x86asm.UD2:
		return disasm.FlowReturn
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return disasm.FlowCondJump
	}
	return disasm.FlowNone
}

// decodeIntel decodes one x86 instruction at va from code.
func decodeIntel(code []byte, va uint64, bitness int) (disasm.Inst, error) {
	// x86asm does not know ENDBR64/ENDBR32, which start most functions in
	// binaries built with -fcf-protection.
	if len(code) >= 4 && hasPrefixAt(code, 0, endbr64[:3]) && (code[3] == 0xfa || code[3] == 0xfb) {
		op := "endbr64"
		if code[3] == 0xfb {
			op = "endbr32"
		}
		return disasm.Inst{VA: va, Size: 4, Bytes: code[:4], Op: op}, nil
	}

	inst, err := x86asm.Decode(code, bitness)
	if err != nil {
		return disasm.Inst{}, fmt.Errorf("failed to decode instruction: %w", err)
	}
	// A prefix with nothing after it decodes without error but has no opcode.
	if inst.Op == 0 {
		return disasm.Inst{}, fmt.Errorf("truncated instruction (%d bytes left)", len(code))
	}

	op, operands := splitText(x86asm.IntelSyntax(inst, va, nil))
	in := disasm.Inst{
		VA:       va,
		Size:     inst.Len,
		Bytes:    code[:inst.Len],
		Op:       op,
		Operands: operands,
		Flow:     intelFlow(inst.Op),
	}
	if in.Flow != disasm.FlowNone && in.Flow != disasm.FlowReturn {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			target := va + uint64(inst.Len) + uint64(int64(rel))
			switch bitness {
			case 16:
				// IP wraps inside the 64 KiB segment holding va.
				target = va&^0xffff | target&0xffff
			case 32:
				target &= 0xffffffff
			}
			in.Target, in.Direct = target, true
		}
	}
	return in, nil
}

// intelPrologues returns the addresses of frame setup sequences. 64-bit
// code goes through prologo; 16 and 32-bit code is matched against byte
// patterns. abort is polled at least every 4096 bytes and the result
// reports whether the scan ran to the end.
func intelPrologues(code []byte, base uint64, bitness int, abort disasm.AbortFunc) ([]uint64, bool) {
	if abort() {
		return nil, false
	}
	if bitness == 64 {
		var out []uint64
		for _, p := range prologo.DetectPrologues(code, base) {
			addr := p.Address
			// The function starts at an ENDBR64 right before the prologue.
			if off := int(addr - base); off >= 4 && hasPrefixAt(code, off-4, endbr64) {
				addr -= 4
			}
			out = append(out, addr)
		}
		return out, !abort()
	}

	patterns := [][]byte{
		{0x8b, 0xff, 0x55, 0x8b, 0xec}, // mov edi, edi; push ebp; mov ebp, esp
		{0x55, 0x89, 0xe5},             // push ebp; mov ebp, esp
		{0x55, 0x8b, 0xec},             // push ebp; mov ebp, esp (alt encoding)
	}
	var out []uint64
	nextPoll := scanPoll
	for off := 0; off < len(code); off++ {
		if off >= nextPoll {
			if abort() {
				return out, false
			}
			nextPoll = off + scanPoll
		}
		for _, p := range patterns {
			if hasPrefixAt(code, off, p) {
				out = append(out, base+uint64(off))
				// Skip past this match so the shorter inner pattern of a
				// hot-patch prologue is not reported again.
				off += len(p) - 1
				break
			}
		}
	}
	return out, true
}

func hasPrefixAt(code []byte, off int, p []byte) bool {
	if off+len(p) > len(code) {
		return false
	}
	for i, b := range p {
		if code[off+i] != b {
			return false
		}
	}
	return true
}
