// Package backend defines the disassembly backend contract and selects one
// of the two providers from the configuration.
package backend

import (
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"smda/internal/backend/native"
	"smda/internal/backend/objdump"
	"smda/internal/config"
	"smda/internal/disasm"
)

// Backend disassembles buffers.
//
// Cancellation is cooperative only. AnalyzeBuffer must call shouldAbort at
// bounded intervals and, once it returns true, stop and return the partial
// result tagged disasm.CompletionTimeout. A backend that never polls cannot
// be stopped by the session.
type Backend interface {
	// SetSourcePath tells the backend which file the next buffer came from.
	// An empty path means the buffer has no file.
	SetSourcePath(path string)
	// AttachDebugInfo loads symbols from a separate debug information file.
	AttachDebugInfo(path string, baseAddr uint64) error
	// AnalyzeBuffer disassembles buf mapped at baseAddr. Errors returned here
	// are analysis faults; recoverable problems go into Result.Errors.
	AnalyzeBuffer(buf []byte, baseAddr uint64, bitness int, shouldAbort disasm.AbortFunc) (*disasm.Result, error)
}

var (
	_ Backend            = (*native.Backend)(nil)
	_ Backend            = (*objdump.Backend)(nil)
	_ ArchitectureSetter = (*native.Backend)(nil)
	_ ArchitectureSetter = (*objdump.Backend)(nil)
)

// New returns the backend selected by cfg.Backend.
func New(cfg *config.Config, logger *log.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendNative, "":
		opts := []native.Option{native.WithMaxFunctions(cfg.MaxFunctions)}
		if logger != nil {
			opts = append(opts, native.WithLogger(logger))
		}
		return native.New(cfg.Architecture, opts...), nil
	case config.BackendObjdump:
		opts := []objdump.Option{objdump.WithMaxFunctions(cfg.MaxFunctions)}
		if logger != nil {
			opts = append(opts, objdump.WithLogger(logger))
		}
		return objdump.New(cfg.ObjdumpPath, cfg.Architecture, opts...), nil
	}
	return nil, errors.Errorf("unknown backend %q", cfg.Backend)
}

// ArchitectureSetter is implemented by backends that can switch the
// instruction set to the one of a loaded image.
type ArchitectureSetter interface {
	SetArchitecture(arch string) error
}
