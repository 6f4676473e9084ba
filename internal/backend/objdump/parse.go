package objdump

import (
	"bufio"
	"encoding/hex"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"smda/internal/disasm"
)

// pollLines is how many listing lines are parsed between two calls of the
// abort predicate.
const pollLines = 256

var (
	// "  400003:\te8 06 00 00 00       \tcall   0x40000e"
	instLine = regexp.MustCompile(`^\s*([0-9a-f]+):\t([0-9a-f]{2}(?: [0-9a-f]{2})*)\s*(?:\t(.*))?$`)
	// "40000e <.data+0xe>" trailing symbol annotations
	symbolRef = regexp.MustCompile(`\s*<[^>]*>`)
)

var prefixes = map[string]bool{
	"rep": true, "repz": true, "repnz": true, "repe": true, "repne": true,
	"lock": true, "bnd": true, "notrack": true, "data16": true, "addr32": true,
}

// listing is the parsed output of one objdump run.
type listing struct {
	insts map[uint64]disasm.Inst
	bad   map[uint64]bool
	order []uint64
}

// parseListing reads objdump output. It returns false when shouldAbort
// fired before the end of the output.
func parseListing(r io.Reader, arch string, shouldAbort disasm.AbortFunc) (*listing, bool, error) {
	l := &listing{
		insts: make(map[uint64]disasm.Inst),
		bad:   make(map[uint64]bool),
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var last uint64
	haveLast := false
	for n := 0; sc.Scan(); n++ {
		if n%pollLines == 0 && shouldAbort() {
			return l, false, nil
		}
		m := instLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		va, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}
		raw, err := hex.DecodeString(strings.ReplaceAll(m[2], " ", ""))
		if err != nil {
			continue
		}

		text := strings.TrimSpace(m[3])
		if text == "" {
			// Continuation of a long encoding printed on its own line.
			if haveLast {
				in := l.insts[last]
				in.Bytes = append(in.Bytes, raw...)
				in.Size = len(in.Bytes)
				l.insts[last] = in
			}
			continue
		}
		if text == "(bad)" {
			l.bad[va] = true
			haveLast = false
			continue
		}

		in := parseInst(va, raw, text, arch)
		l.insts[va] = in
		l.order = append(l.order, va)
		last, haveLast = va, true
	}
	if err := sc.Err(); err != nil {
		return l, true, errors.Wrap(err, "read objdump output")
	}
	return l, true, nil
}

// parseInst builds an instruction from one listing line.
func parseInst(va uint64, raw []byte, text string, arch string) disasm.Inst {
	// '#' starts an immediate on A64 and a comment on x86.
	comment := "#"
	if arch == disasm.ArchARM64 {
		comment = "//"
	}
	if i := strings.Index(text, comment); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)
	op := fields[0]
	rest := fields[1:]
	for prefixes[op] && len(rest) > 0 {
		op += " " + rest[0]
		rest = rest[1:]
	}
	operands := symbolRef.ReplaceAllString(strings.Join(rest, " "), "")

	in := disasm.Inst{
		VA:       va,
		Size:     len(raw),
		Bytes:    raw,
		Op:       strings.ToLower(op),
		Operands: strings.TrimSpace(operands),
	}
	mnemonic := in.Op[strings.LastIndex(in.Op, " ")+1:]
	if arch == disasm.ArchARM64 {
		in.Flow = arm64Flow(mnemonic)
	} else {
		in.Flow = intelFlow(mnemonic)
	}
	if in.Flow == disasm.FlowNone || in.Flow == disasm.FlowReturn {
		return in
	}

	var target string
	if arch == disasm.ArchARM64 {
		parts := strings.Split(in.Operands, ",")
		target = parts[len(parts)-1]
	} else {
		target, _, _ = strings.Cut(in.Operands, ",")
	}
	if t, ok := parseAddr(target); ok {
		in.Target, in.Direct = t, true
	}
	return in
}

func parseAddr(s string) (uint64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	return v, err == nil
}

func intelFlow(op string) disasm.Flow {
	switch op {
	case "call", "calll", "callq", "lcall":
		return disasm.FlowCall
	case "jmp", "jmpl", "jmpq", "ljmp":
		return disasm.FlowJump
	case "ret", "retl", "retq", "retw", "retf", "lret", "iret", "iretd", "iretq", "hlt", "ud2":
		return disasm.FlowReturn
	case "loop", "loope", "loopne", "jcxz", "jecxz", "jrcxz":
		return disasm.FlowCondJump
	}
	if strings.HasPrefix(op, "j") {
		return disasm.FlowCondJump
	}
	return disasm.FlowNone
}

func arm64Flow(op string) disasm.Flow {
	switch op {
	case "bl", "blr":
		return disasm.FlowCall
	case "b", "br":
		return disasm.FlowJump
	case "cbz", "cbnz", "tbz", "tbnz":
		return disasm.FlowCondJump
	case "ret":
		return disasm.FlowReturn
	}
	if strings.HasPrefix(op, "b.") {
		return disasm.FlowCondJump
	}
	return disasm.FlowNone
}

// prologues returns the addresses of push ebp/rbp immediately followed by
// mov ebp,esp or mov rbp,rsp, and of stp x29, x30 frame setups.
func (l *listing) prologues(arch string) []uint64 {
	var out []uint64
	for i, va := range l.order {
		in := l.insts[va]
		ops := strings.ReplaceAll(in.Operands, " ", "")
		if arch == disasm.ArchARM64 {
			if in.Op == "stp" && strings.HasPrefix(ops, "x29,x30,") {
				out = append(out, va)
			}
			continue
		}
		if in.Op != "push" || (ops != "ebp" && ops != "rbp") || i+1 >= len(l.order) {
			continue
		}
		next := l.insts[l.order[i+1]]
		movOps := strings.ReplaceAll(next.Operands, " ", "")
		if next.Op == "mov" && (movOps == "ebp,esp" || movOps == "rbp,rsp") {
			out = append(out, va)
		}
	}
	return out
}

// fetch looks an instruction up in the listing.
func (l *listing) fetch(va uint64) (disasm.Inst, error) {
	if l.bad[va] {
		return disasm.Inst{}, errors.Errorf("objdump could not decode instruction at 0x%x", va)
	}
	in, ok := l.insts[va]
	if !ok {
		return disasm.Inst{}, errors.Errorf("no instruction boundary at 0x%x in linear sweep", va)
	}
	return in, nil
}
