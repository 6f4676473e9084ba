// Package colorize renders disassembly listings with chroma syntax
// highlighting. Setting SMDA_NO_COLOR disables colors.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"smda/internal/disasm"
)

// Enabled reports whether colored output is allowed.
func Enabled() bool {
	return os.Getenv("SMDA_NO_COLOR") == ""
}

// assemblyLexer returns a lexer for arch, trying the candidates in order.
func assemblyLexer(arch string) chroma.Lexer {
	candidates := []string{"nasm", "gas"}
	if arch == disasm.ArchARM64 {
		candidates = []string{"armasm", "gas"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func disasmStyle() *chroma.Style {
	for _, name := range []string{"disasm-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Assembly highlights code written in the syntax of arch. When colors are
// disabled or no lexer is available, code is returned unchanged.
func Assembly(code, arch string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := assemblyLexer(arch)
	if lexer == nil {
		return code, nil
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, disasmStyle(), iterator); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// Address renders an address in gray.
func Address(va uint64) string {
	if !Enabled() {
		return fmt.Sprintf("%x", va)
	}
	return fmt.Sprintf("\033[38;2;79;79;79m%x\033[0m", va)
}

// FunctionText returns the plain listing of fn: a header comment, then
// every basic block under a loc_ label.
func FunctionText(fn *disasm.Function) string {
	var b strings.Builder
	fmt.Fprintf(&b, "; %s\n", fn.DisplayName())
	if fn.Failed {
		b.WriteString("; analysis of this function failed, listing is incomplete\n")
	}
	for _, blk := range fn.Blocks {
		fmt.Fprintf(&b, "loc_%x:\n", blk.Addr)
		for _, in := range blk.Insts {
			fmt.Fprintf(&b, "    %-10x %-20s %s\n", in.VA, in.Hex(), in.Text())
		}
	}
	return b.String()
}

// Function returns the highlighted listing of fn.
func Function(fn *disasm.Function, arch string) string {
	text := FunctionText(fn)
	out, err := Assembly(text, arch)
	if err != nil {
		return text
	}
	return out
}

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\033':
			inEscape = true
		case inEscape && s[i] == 'm':
			inEscape = false
		case !inEscape:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
