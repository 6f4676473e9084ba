// Package loader opens executables, maps their loadable segments into a
// contiguous image at the preferred base address, and reports bitness,
// architecture and function symbols.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"

	"smda/internal/disasm"
)

// maxImageSize caps the mapped image so a corrupt header cannot request an
// absurd allocation.
const maxImageSize = 512 << 20

var (
	ErrUnsupportedFormat = errors.New("unsupported executable format")
	ErrUnsupportedArch   = errors.New("unsupported architecture")
	ErrImageTooLarge     = errors.New("mapped image too large")
)

// Format names the container format of a loaded file.
type Format string

const (
	FormatELF Format = "elf"
	FormatPE  Format = "pe"
)

// Error is a precondition failure raised while loading a file. It is kept
// distinct from analysis failures so callers can tell misuse apart from a
// failed analysis.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Symbol is a named function address.
type Symbol struct {
	Name string
	Addr uint64
}

// Image is a loaded executable.
type Image struct {
	Path         string
	Format       Format
	Architecture string
	BaseAddr     uint64
	Bitness      int
	Data         []byte // mapped image, Data[0] is at BaseAddr
	Symbols      []Symbol
}

// Names returns the symbols as an address to name map. The first name seen
// for an address wins.
func (im *Image) Names() map[uint64]string {
	return SymbolNames(im.Symbols)
}

// SymbolNames indexes syms by address.
func SymbolNames(syms []Symbol) map[uint64]string {
	names := make(map[uint64]string, len(syms))
	for _, s := range syms {
		if _, ok := names[s.Addr]; !ok {
			names[s.Addr] = s.Name
		}
	}
	return names
}

// FileLoader loads ELF and PE files from disk.
type FileLoader struct{}

// Load reads path and maps it. Every failure is returned as *Error.
func (FileLoader) Load(path string) (*Image, error) {
	return Open(path)
}

// Open reads and maps the executable at path.
func Open(path string) (*Image, error) {
	raw, unmap, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer unmap()

	var im *Image
	switch {
	case bytes.HasPrefix(raw, []byte("\x7fELF")):
		im, err = loadELF(raw)
	case bytes.HasPrefix(raw, []byte("MZ")):
		im, err = loadPE(raw)
	default:
		err = ErrUnsupportedFormat
	}
	if err != nil {
		return nil, &Error{Op: "parse", Path: path, Err: err}
	}
	im.Path = path
	return im, nil
}

// ReadSymbols returns the function symbols of the ELF or PE file at path
// without mapping its segments. It is used for separate debug info files.
func ReadSymbols(path string) ([]Symbol, error) {
	raw, unmap, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer unmap()

	switch {
	case bytes.HasPrefix(raw, []byte("\x7fELF")):
		f, err := newELF(raw)
		if err != nil {
			return nil, &Error{Op: "parse", Path: path, Err: err}
		}
		defer f.Close()
		return elfSymbols(f), nil
	case bytes.HasPrefix(raw, []byte("MZ")):
		f, err := newPE(raw)
		if err != nil {
			return nil, &Error{Op: "parse", Path: path, Err: err}
		}
		defer f.Close()
		return peSymbols(f), nil
	default:
		return nil, &Error{Op: "parse", Path: path, Err: ErrUnsupportedFormat}
	}
}

// mapFile maps path read-only. The returned function unmaps it.
func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &Error{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, &Error{Op: "stat", Path: path, Err: err}
	}
	if fi.IsDir() {
		return nil, nil, &Error{Op: "open", Path: path, Err: syscall.EISDIR}
	}
	if fi.Size() == 0 {
		return nil, nil, &Error{Op: "parse", Path: path, Err: ErrUnsupportedFormat}
	}

	all, err := syscall.Mmap(int(f.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, nil, &Error{Op: "mmap", Path: path, Err: err}
	}
	return all, func() error { return syscall.Munmap(all) }, nil
}

// place copies src into img at offset off, clipping at the image end.
func place(img []byte, off uint64, src []byte) {
	if off >= uint64(len(img)) {
		return
	}
	copy(img[off:], src)
}

func checkSize(size uint64) error {
	if size == 0 || size > maxImageSize {
		return fmt.Errorf("%w: %d bytes", ErrImageTooLarge, size)
	}
	return nil
}

// architecture constants re-exported for callers that only import loader.
const (
	ArchIntel = disasm.ArchIntel
	ArchARM64 = disasm.ArchARM64
)
