package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/x/term"

	"smda/internal/disasm"
	"smda/internal/report"
	"smda/internal/smda/styles"
	"smda/internal/ui/colorize"
)

const (
	summaryTopFunctions = 20
	summaryMaxErrors    = 10
)

// writeJSON encodes the outcome with two-space indentation.
func writeJSON(w io.Writer, out *report.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// writeJSONFile writes the outcome to path.
func writeJSONFile(path string, out *report.Outcome) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := writeJSON(f, out); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}

// summaryMarkdown describes an outcome as markdown. res may be nil.
func summaryMarkdown(name string, out *report.Outcome, res *disasm.Result) string {
	var b strings.Builder
	b.WriteString("# smda\n\n")

	if !out.OK() {
		fmt.Fprintf(&b, "```\n; %s\n; status: %s\n; execution time: %.6fs\n```\n\n", name, out.Status(), out.ExecutionTime())
		fmt.Fprintf(&b, "## Traceback\n\n```\n%s\n```\n", strings.TrimSpace(out.Failure.Meta.Traceback))
		return b.String()
	}

	r := out.Report
	fmt.Fprintf(&b, "```\n; %s\n; %s\n```\n\n", name, r.SHA256)
	fmt.Fprintf(&b, "**%s** %s\n\n", r.Status, r.Metadata.Message)

	b.WriteString("## Result\n\n| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| architecture | %s |\n", r.Architecture)
	fmt.Fprintf(&b, "| bitness | %d |\n", r.Bitness)
	fmt.Fprintf(&b, "| base address | 0x%x |\n", r.BaseAddr)
	fmt.Fprintf(&b, "| buffer size | %d |\n", r.BufferSize)
	fmt.Fprintf(&b, "| execution time | %.6fs |\n", r.ExecutionTime)
	fmt.Fprintf(&b, "| smda version | %s |\n", r.SmdaVersion)
	fmt.Fprintf(&b, "| timestamp | %s |\n\n", r.Timestamp)

	s := r.Summary
	b.WriteString("## Summary\n\n| Metric | Count |\n|---|---|\n")
	for _, row := range []struct {
		name  string
		value int
	}{
		{"functions", s.NumFunctions},
		{"recursive functions", s.NumRecursiveFunctions},
		{"leaf functions", s.NumLeafFunctions},
		{"basic blocks", s.NumBasicBlocks},
		{"instructions", s.NumInstructions},
		{"function calls", s.NumFunctionCalls},
		{"failed functions", s.NumFailedFunctions},
		{"errors", s.NumErrors},
	} {
		fmt.Fprintf(&b, "| %s | %d |\n", row.name, row.value)
	}

	if res != nil && len(res.Functions) > 0 {
		fns := res.SortedFunctions()
		sort.SliceStable(fns, func(i, j int) bool {
			return fns[i].NumInstructions() > fns[j].NumInstructions()
		})
		if len(fns) > summaryTopFunctions {
			fns = fns[:summaryTopFunctions]
		}
		b.WriteString("\n## Largest functions\n\n| Address | Name | Blocks | Instructions |\n|---|---|---|---|\n")
		for _, fn := range fns {
			fmt.Fprintf(&b, "| 0x%x | %s | %d | %d |\n", fn.Addr, escapeTable(fn.DisplayName()), len(fn.Blocks), fn.NumInstructions())
		}
	}

	if len(r.DisassemblyErrors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for i, e := range r.DisassemblyErrors {
			if i == summaryMaxErrors {
				fmt.Fprintf(&b, "- ... %d more\n", len(r.DisassemblyErrors)-i)
				break
			}
			fmt.Fprintf(&b, "- `0x%x` %s\n", e.Address, e.Message)
		}
	}
	return b.String()
}

func escapeTable(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// renderSummary renders the markdown summary, without colors when stdout
// is not a terminal.
func renderSummary(w io.Writer, name string, out *report.Outcome, res *disasm.Result) error {
	plain := !term.IsTerminal(os.Stdout.Fd())
	width := 100
	if !plain {
		if tw, _, err := term.GetSize(os.Stdout.Fd()); err == nil && tw > 0 {
			width = tw
		}
	}
	renderer, err := styles.MarkdownRenderer(width-2, plain)
	if err != nil {
		return fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	rendered, err := renderer.Render(summaryMarkdown(name, out, res))
	if err != nil {
		return fmt.Errorf("failed to render summary: %w", err)
	}
	_, err = io.WriteString(w, rendered)
	return err
}

// writeListing prints every recovered function.
func writeListing(w io.Writer, res *disasm.Result) error {
	for _, fn := range res.SortedFunctions() {
		if _, err := fmt.Fprintln(w, colorize.Function(fn, res.Architecture)); err != nil {
			return err
		}
	}
	return nil
}

func displayName(path string) string {
	if path == "" {
		return "<buffer>"
	}
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}
