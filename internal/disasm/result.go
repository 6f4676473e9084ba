package disasm

import (
	"fmt"
	"slices"
	"time"

	"github.com/ianlancetaylor/demangle"
)

// Architectures reported by the backends.
const (
	ArchIntel = "intel"
	ArchARM64 = "arm64"
)

// Completion tags why a backend stopped analysing.
type Completion string

const (
	// CompletionFinished means every discovered function was processed.
	CompletionFinished Completion = "finished"
	// CompletionTimeout means the abort predicate fired and the result is
	// a best-effort partial one.
	CompletionTimeout Completion = "timeout"
)

// Outcome values derived from a result.
const (
	OutcomeOK           = "ok"
	OutcomeTimeout      = "timeout"
	OutcomePartialError = "partial_error"
)

// AnalysisError is a recoverable issue met during a still-running analysis.
type AnalysisError struct {
	Address uint64 `json:"address"`
	Message string `json:"message"`
}

// Block is a basic block of a recovered function.
type Block struct {
	Addr       uint64
	Insts      Stream
	Successors []uint64
}

// Function is a recovered function.
type Function struct {
	Addr     uint64
	Name     string
	Blocks   []*Block
	CallRefs []uint64 // direct call targets, in instruction order
	Failed   bool
}

// DisplayName returns the demangled symbol name, or a sub_ label when the
// function has no symbol.
func (f *Function) DisplayName() string {
	if f.Name == "" {
		return fmt.Sprintf("sub_%x", f.Addr)
	}
	if d := demangle.Filter(f.Name, demangle.NoClones); d != "" {
		return d
	}
	return f.Name
}

// NumInstructions counts the instructions over all blocks.
func (f *Function) NumInstructions() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Insts)
	}
	return n
}

// Result is the output of one analysis attempt, complete or partial.
type Result struct {
	Architecture string
	BaseAddr     uint64
	Bitness      int
	Errors       []AnalysisError
	Start        time.Time
	End          time.Time
	Completion   Completion
	Functions    map[uint64]*Function

	binary []byte
}

// NewResult creates a result that owns a private copy of buf. The copy is
// never written to, so hashes computed over Binary are reproducible.
func NewResult(arch string, buf []byte, baseAddr uint64, bitness int, start time.Time) *Result {
	return &Result{
		Architecture: arch,
		BaseAddr:     baseAddr,
		Bitness:      bitness,
		Start:        start,
		Functions:    make(map[uint64]*Function),
		binary:       slices.Clone(buf),
	}
}

// Binary returns the analysed bytes. Callers must not modify the slice.
func (r *Result) Binary() []byte {
	return r.binary
}

// Contains reports whether va lies inside the analysed buffer.
func (r *Result) Contains(va uint64) bool {
	return va >= r.BaseAddr && va-r.BaseAddr < uint64(len(r.binary))
}

// AddError records a recoverable error.
func (r *Result) AddError(addr uint64, format string, args ...any) {
	r.Errors = append(r.Errors, AnalysisError{Address: addr, Message: fmt.Sprintf(format, args...)})
}

// Finish stamps the end time and the completion reason. An end time before
// the start time is clamped to the start.
func (r *Result) Finish(end time.Time, c Completion) {
	if end.Before(r.Start) {
		end = r.Start
	}
	r.End = end
	r.Completion = c
}

// TimedOut reports whether the backend stopped because of the abort
// predicate.
func (r *Result) TimedOut() bool {
	return r.Completion == CompletionTimeout
}

// AnalysisDuration returns End-Start in seconds with microsecond precision.
// It is never negative.
func (r *Result) AnalysisDuration() float64 {
	return Seconds(r.End.Sub(r.Start))
}

// AnalysisOutcome classifies the result from its own completion tag:
// a timeout tag wins, then recorded errors, then "ok".
func (r *Result) AnalysisOutcome() string {
	switch {
	case r.Completion == CompletionTimeout:
		return OutcomeTimeout
	case len(r.Errors) > 0:
		return OutcomePartialError
	default:
		return OutcomeOK
	}
}

// SortedFunctions returns the functions ordered by address.
func (r *Result) SortedFunctions() []*Function {
	fns := make([]*Function, 0, len(r.Functions))
	for _, f := range r.Functions {
		fns = append(fns, f)
	}
	slices.SortFunc(fns, func(a, b *Function) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return fns
}

func (r *Result) String() string {
	blocks, insts := 0, 0
	for _, f := range r.Functions {
		blocks += len(f.Blocks)
		insts += f.NumInstructions()
	}
	return fmt.Sprintf("%d functions, %d blocks, %d instructions, %d errors, %.3fs (%s, %d bit, base 0x%x, %s)",
		len(r.Functions), blocks, insts, len(r.Errors), r.AnalysisDuration(),
		r.Architecture, r.Bitness, r.BaseAddr, r.AnalysisOutcome())
}

// Seconds converts d to seconds at microsecond resolution. Negative
// durations become 0.
func Seconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d.Truncate(time.Microsecond).Microseconds()) / 1e6
}
