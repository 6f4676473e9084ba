// Package objdump is the external-tool disassembly backend. It runs GNU
// objdump over the buffer, parses the linear-sweep listing and recovers
// functions from it.
package objdump

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"smda/internal/disasm"
	"smda/internal/loader"
	"smda/internal/logging"
)

// CommandFunc creates the objdump process.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Backend drives objdump. It is not safe for concurrent use.
type Backend struct {
	path         string
	arch         string
	maxFunctions int
	logger       *log.Logger
	now          func() time.Time
	command      CommandFunc

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

// WithCommand replaces exec.CommandContext.
func WithCommand(fn CommandFunc) Option {
	return func(b *Backend) { b.command = fn }
}

// New returns a backend that runs the objdump binary at path.
func New(path, arch string, opts ...Option) *Backend {
	if path == "" {
		path = "objdump"
	}
	if arch == "" {
		arch = disasm.ArchIntel
	}
	b := &Backend{
		path:    path,
		arch:    arch,
		logger:  logging.Discard(),
		now:     time.Now,
		command: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetSourcePath records the file the next buffer came from.
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

// AttachDebugInfo loads function names from a separate debug file.
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
	return nil
}

func (b *Backend) machine(bitness int) ([]string, error) {
	switch {
	case b.arch == disasm.ArchARM64 && (bitness == 0 || bitness == 64):
		return []string{"-m", "aarch64"}, nil
	case b.arch == disasm.ArchIntel && bitness == 16:
		return []string{"-m", "i8086", "-M", "intel"}, nil
	case b.arch == disasm.ArchIntel && (bitness == 0 || bitness == 32):
		return []string{"-m", "i386", "-M", "intel"}, nil
	case b.arch == disasm.ArchIntel && bitness == 64:
		return []string{"-m", "i386:x86-64", "-M", "intel"}, nil
	}
	return nil, errors.Errorf("objdump backend does not support %s/%d", b.arch, bitness)
}

// AnalyzeBuffer writes buf to a temporary file and disassembles it with
// objdump. shouldAbort is polled while the listing is read; once it fires
// the objdump process is killed and a partial result tagged
// disasm.CompletionTimeout is returned.
func (b *Backend) AnalyzeBuffer(buf []byte, baseAddr uint64, bitness int, shouldAbort disasm.AbortFunc) (*disasm.Result, error) {
	if shouldAbort == nil {
		shouldAbort = disasm.Never
	}
	machine, err := b.machine(bitness)
	if err != nil {
		return nil, err
	}
	if bitness == 0 {
		bitness = 32
		if b.arch == disasm.ArchARM64 {
			bitness = 64
		}
	}
	res := disasm.NewResult(b.arch, buf, baseAddr, bitness, b.now())

	tmp, err := os.CreateTemp("", "smda-*.bin")
	if err != nil {
		return nil, errors.Wrap(err, "create buffer file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(res.Binary()); err != nil {
		tmp.Close()
		return nil, errors.Wrap(err, "write buffer file")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "close buffer file")
	}

	args := append([]string{"-D", "-w", "-b", "binary"}, machine...)
	args = append(args, fmt.Sprintf("--adjust-vma=0x%x", baseAddr), tmp.Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := b.command(ctx, b.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "objdump stdout")
	}
	b.logger.Debug("Running objdump", "path", b.path, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", b.path)
	}

	lst, complete, perr := parseListing(stdout, b.arch, shouldAbort)
	if !complete {
		cancel()
	}
	werr := cmd.Wait()
	if !complete {
		b.logger.Warn("Analysis aborted while reading objdump output", "instructions", len(lst.order))
		res.Finish(b.now(), disasm.CompletionTimeout)
		return res, nil
	}
	if perr != nil {
		return nil, perr
	}
	if werr != nil {
		return nil, errors.Wrapf(werr, "%s failed: %s", b.path, strings.TrimSpace(stderr.String()))
	}

	symbols := b.symbols()
	seeds := []uint64{baseAddr}
	for _, s := range symbols {
		seeds = append(seeds, s.Addr)
	}
	seeds = append(seeds, lst.prologues(b.arch)...)
	slices.Sort(seeds)
	seeds = slices.Compact(seeds)

	rc := &disasm.Recoverer{
		Fetch:        lst.fetch,
		Abort:        shouldAbort,
		Names:        loader.SymbolNames(symbols),
		MaxFunctions: b.maxFunctions,
	}
	completion := disasm.CompletionFinished
	if !rc.Run(res, seeds) {
		completion = disasm.CompletionTimeout
	}
	res.Finish(b.now(), completion)
	return res, nil
}

func (b *Backend) symbols() []loader.Symbol {
	var syms []loader.Symbol
	if b.sourcePath != "" {
		if fromFile, err := loader.ReadSymbols(b.sourcePath); err == nil {
			syms = append(syms, fromFile...)
		}
	}
	return append(syms, b.debugSymbols...)
}
