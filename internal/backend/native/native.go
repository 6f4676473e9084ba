// Package native is the in-process disassembly backend. It decodes x86 and
// A64 code with golang.org/x/arch and recovers functions by recursive
// descent, seeded by symbols, frame-setup prologues and call targets.
package native

import (
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"smda/internal/disasm"
	"smda/internal/loader"
	"smda/internal/logging"
)

// Backend analyses buffers in process. It is not safe for concurrent use.
type Backend struct {
	arch         string
	maxFunctions int
	logger       *log.Logger
	now          func() time.Time

	sourcePath   string
	debugSymbols []loader.Symbol
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithMaxFunctions stops recovery after n functions.
func WithMaxFunctions(n int) Option {
	return func(b *Backend) { b.maxFunctions = n }
}

// WithClock replaces time.Now for analysis timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New returns a backend for arch, which is disasm.ArchIntel or
// disasm.ArchARM64.
func New(arch string, opts ...Option) *Backend {
	if arch == "" {
		arch = disasm.ArchIntel
	}
	b := &Backend{
		arch:   arch,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetSourcePath records the file the next buffer came from. Its symbols
// seed function discovery. An empty path clears it.
func (b *Backend) SetSourcePath(path string) {
	b.sourcePath = path
}

// SetArchitecture switches the instruction set for the next buffer.
func (b *Backend) SetArchitecture(arch string) error {
	switch arch {
	case disasm.ArchIntel, disasm.ArchARM64:
		b.arch = arch
		return nil
	}
	return errors.Errorf("unsupported architecture %q", arch)
}

// AttachDebugInfo loads function symbols from a separate debug file.
// Addresses below baseAddr are treated as image relative.
func (b *Backend) AttachDebugInfo(path string, baseAddr uint64) error {
	b.debugSymbols = nil
	if path == "" {
		return nil
	}
	syms, err := loader.ReadSymbols(path)
	if err != nil {
		return errors.Wrap(err, "attach debug info")
	}
	for i := range syms {
		if syms[i].Addr < baseAddr {
			syms[i].Addr += baseAddr
		}
	}
	b.debugSymbols = syms
	b.logger.Debug("Attached debug info", "path", path, "symbols", len(syms))
	return nil
}

// AnalyzeBuffer disassembles buf mapped at baseAddr. shouldAbort is polled
// before every basic block and every 64 instructions; once it fires the
// partial result is returned tagged disasm.CompletionTimeout.
func (b *Backend) AnalyzeBuffer(buf []byte, baseAddr uint64, bitness int, shouldAbort disasm.AbortFunc) (*disasm.Result, error) {
	if shouldAbort == nil {
		shouldAbort = disasm.Never
	}
	bitness, err := b.checkBitness(bitness)
	if err != nil {
		return nil, err
	}

	res := disasm.NewResult(b.arch, buf, baseAddr, bitness, b.now())
	code := res.Binary()

	symbols := b.symbols()
	seeds := make([]uint64, 0, len(symbols))
	for _, s := range symbols {
		seeds = append(seeds, s.Addr)
	}

	var prologues []uint64
	var scanned bool
	if b.arch == disasm.ArchARM64 {
		prologues, scanned = arm64Prologues(code, baseAddr, shouldAbort)
	} else {
		prologues, scanned = intelPrologues(code, baseAddr, bitness, shouldAbort)
	}
	if !scanned {
		res.Finish(b.now(), disasm.CompletionTimeout)
		return res, nil
	}
	seeds = append(seeds, prologues...)
	if len(seeds) == 0 {
		seeds = append(seeds, baseAddr)
	}
	slices.Sort(seeds)
	seeds = slices.Compact(seeds)

	rc := &disasm.Recoverer{
		Fetch:        b.fetcher(res),
		Abort:        shouldAbort,
		Names:        loader.SymbolNames(symbols),
		MaxFunctions: b.maxFunctions,
	}
	completion := disasm.CompletionFinished
	if !rc.Run(res, seeds) {
		completion = disasm.CompletionTimeout
		b.logger.Warn("Analysis aborted, returning partial result", "functions", len(res.Functions))
	}
	res.Finish(b.now(), completion)
	return res, nil
}

func (b *Backend) checkBitness(bitness int) (int, error) {
	switch {
	case b.arch == disasm.ArchARM64 && (bitness == 0 || bitness == 64):
		return 64, nil
	case b.arch == disasm.ArchARM64:
		return 0, errors.Errorf("arm64 backend does not support %d bit code", bitness)
	case b.arch != disasm.ArchIntel:
		return 0, errors.Errorf("unsupported architecture %q", b.arch)
	case bitness == 0:
		return 32, nil
	case bitness == 16 || bitness == 32 || bitness == 64:
		return bitness, nil
	default:
		return 0, errors.Errorf("unsupported bitness %d", bitness)
	}
}

// symbols merges the source file's symbols with attached debug symbols.
func (b *Backend) symbols() []loader.Symbol {
	var syms []loader.Symbol
	if b.sourcePath != "" {
		fromFile, err := loader.ReadSymbols(b.sourcePath)
		if err != nil {
			b.logger.Debug("No symbols from source file", "path", b.sourcePath, "error", err)
		}
		syms = append(syms, fromFile...)
	}
	return append(syms, b.debugSymbols...)
}

func (b *Backend) fetcher(res *disasm.Result) disasm.FetchFunc {
	code := res.Binary()
	return func(va uint64) (disasm.Inst, error) {
		off := va - res.BaseAddr
		if b.arch == disasm.ArchARM64 {
			return decodeARM64(code[off:], va)
		}
		return decodeIntel(code[off:], va, res.Bitness)
	}
}
