// Package session runs one disassembly at a time under a time budget and
// turns the result, or the fault that stopped it, into a report outcome.
package session

import (
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"smda/internal/backend"
	"smda/internal/config"
	"smda/internal/disasm"
	"smda/internal/loader"
	"smda/internal/logging"
	"smda/internal/report"
	"smda/internal/statistics"
)

// Loader maps an executable file into memory.
type Loader interface {
	Load(path string) (*loader.Image, error)
}

// Disassembler drives a backend. It is not safe for concurrent use; run
// parallel analyses with separate Disassembler and backend instances.
type Disassembler struct {
	backend backend.Backend
	loader  Loader
	monitor *Monitor
	synth   *report.Synthesizer
	logger  *log.Logger
	now     func() time.Time

	last *disasm.Result
}

// Option configures a Disassembler.
type Option func(*Disassembler)

// WithLoader replaces the file loader.
func WithLoader(l Loader) Option {
	return func(d *Disassembler) { d.loader = l }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Disassembler) { d.logger = l }
}

// WithClock replaces time.Now for the monitor, failure timing and report
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Disassembler) { d.now = now }
}

// WithStatistics replaces the statistics calculator.
func WithStatistics(c statistics.Calculator) Option {
	return func(d *Disassembler) { d.synth.Stats = c }
}

// WithVersion sets the version written to smda_version.
func WithVersion(v string) Option {
	return func(d *Disassembler) { d.synth.Version = v }
}

// New returns a Disassembler analysing with b under the given budget.
func New(b backend.Backend, timeout time.Duration, opts ...Option) *Disassembler {
	d := &Disassembler{
		backend: b,
		loader:  loader.FileLoader{},
		synth:   report.NewSynthesizer(config.Version),
		logger:  logging.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.synth.Now = d.now
	d.monitor = NewMonitor(timeout, d.now)
	return d
}

// NewFromConfig builds the backend selected by cfg and a Disassembler for it.
func NewFromConfig(cfg *config.Config, logger *log.Logger, opts ...Option) (*Disassembler, error) {
	b, err := backend.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	base := []Option{WithVersion(cfg.Version)}
	if logger != nil {
		base = append(base, WithLogger(logger))
	}
	opts = append(base, opts...)
	return New(b, cfg.TimeoutDuration(), opts...), nil
}

// DisassembleFile loads path and analyses its mapped image. Loading errors
// are returned as *loader.Error. Every fault after that, including panics
// in the backend, is turned into a failure outcome.
func (d *Disassembler) DisassembleFile(path, debugInfoPath string) (*report.Outcome, error) {
	img, err := d.loader.Load(path)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Disassembler uses base address",
		"base", fmt.Sprintf("0x%x", img.BaseAddr), "bitness", img.Bitness, "arch", img.Architecture)

	start := d.now()
	err = capture(func() error {
		if as, ok := d.backend.(backend.ArchitectureSetter); ok && img.Architecture != "" {
			if err := as.SetArchitecture(img.Architecture); err != nil {
				return err
			}
		}
		d.backend.SetSourcePath(path)
		// An empty path drops symbols attached for a previous file.
		return d.backend.AttachDebugInfo(debugInfoPath, img.BaseAddr)
	})
	if err != nil {
		return d.failure(start, err), nil
	}

	res, err := d.Disassemble(img.Data, img.BaseAddr, img.Bitness)
	if err != nil {
		return d.failure(start, err), nil
	}
	r := d.Report(res)
	r.Filename = filepath.Base(path)
	d.logger.Info("Analysis done", "file", r.Filename, "result", res)
	return report.Succeeded(r), nil
}

// DisassembleBuffer analyses buf mapped at baseAddr. It never returns a nil
// outcome.
func (d *Disassembler) DisassembleBuffer(buf []byte, baseAddr uint64, bitness int) *report.Outcome {
	start := d.now()
	res, err := d.analyzeBuffer(buf, baseAddr, bitness)
	if err != nil {
		return d.failure(start, err)
	}
	r := d.Report(res)
	d.logger.Info("Analysis done", "result", res)
	return report.Succeeded(r)
}

func (d *Disassembler) analyzeBuffer(buf []byte, baseAddr uint64, bitness int) (*disasm.Result, error) {
	if err := capture(func() error {
		d.backend.SetSourcePath("")
		return d.backend.AttachDebugInfo("", baseAddr)
	}); err != nil {
		return nil, err
	}
	return d.Disassemble(buf, baseAddr, bitness)
}

// Disassemble runs the backend with the monitor as abort predicate. Backend
// errors get a stack trace attached and panics come back as *PanicError.
// A successful result becomes the one returned by Last.
func (d *Disassembler) Disassemble(buf []byte, baseAddr uint64, bitness int) (*disasm.Result, error) {
	d.monitor.Start()
	var res *disasm.Result
	err := capture(func() error {
		var err error
		res, err = d.backend.AnalyzeBuffer(buf, baseAddr, bitness, d.monitor.Expired)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("backend returned no result")
	}
	if res.TimedOut() {
		d.logger.Warn("Analysis exceeded the time budget", "budget", d.monitor.Budget(), "functions", len(res.Functions))
	}
	d.last = res
	return res, nil
}

// Last returns the most recent successful result, if any.
func (d *Disassembler) Last() (*disasm.Result, bool) {
	return d.last, d.last != nil
}

// LastReport synthesises a report from Last. It is empty when no analysis
// has succeeded yet.
func (d *Disassembler) LastReport() report.Report {
	return d.synth.Synthesize(d.last)
}

// Report synthesises a report from res.
func (d *Disassembler) Report(res *disasm.Result) report.Report {
	return d.synth.Synthesize(res)
}

// failure is the single place where a fault becomes an outcome.
func (d *Disassembler) failure(start time.Time, err error) *report.Outcome {
	elapsed := d.now().Sub(start)
	d.logger.Error("An error occurred during analysis", "error", err, "elapsed", elapsed)
	return report.Failed(report.NewFailure(traceback(err), elapsed))
}

// capture runs fn and recovers a panic into a *PanicError.
func capture(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return withStack(fn())
}
