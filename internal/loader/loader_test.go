package loader

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"smda/internal/loader/loadertest"
)

func TestOpenELF32(t *testing.T) {
	code := []byte{0x55, 0x89, 0xe5, 0xc3}
	path := loadertest.WriteFile(t, "tiny", loadertest.ELF32(loadertest.EM386, 0x08048000, code, 16))

	im, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if im.Format != FormatELF {
		t.Errorf("Format = %q, want elf", im.Format)
	}
	if im.Architecture != ArchIntel || im.Bitness != 32 {
		t.Errorf("arch/bitness = %s/%d, want intel/32", im.Architecture, im.Bitness)
	}
	if im.BaseAddr != 0x08048000 {
		t.Errorf("BaseAddr = 0x%x, want 0x8048000", im.BaseAddr)
	}
	if want := loadertest.CodeOffset + len(code) + 16; len(im.Data) != want {
		t.Fatalf("len(Data) = %d, want %d", len(im.Data), want)
	}
	if got := im.Data[loadertest.CodeOffset : loadertest.CodeOffset+len(code)]; !bytes.Equal(got, code) {
		t.Errorf("code = %x, want %x", got, code)
	}
	if tail := im.Data[loadertest.CodeOffset+len(code):]; !bytes.Equal(tail, make([]byte, 16)) {
		t.Errorf("bss not zero: %x", tail)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		path   string
		target error
	}{
		{
			name:   "missing file",
			path:   filepath.Join(dir, "does-not-exist"),
			target: fs.ErrNotExist,
		},
		{
			name:   "unknown format",
			path:   loadertest.WriteFile(t, "text", []byte("hello world")),
			target: ErrUnsupportedFormat,
		},
		{
			name:   "empty file",
			path:   loadertest.WriteFile(t, "empty", nil),
			target: ErrUnsupportedFormat,
		},
		{
			name:   "unsupported machine",
			path:   loadertest.WriteFile(t, "arm32", loadertest.ELF32(loadertest.EMARM, 0x10000, []byte{0, 0, 0, 0}, 0)),
			target: ErrUnsupportedArch,
		},
		{
			name:   "truncated elf",
			path:   loadertest.WriteFile(t, "trunc", []byte("\x7fELF\x01\x01\x01")),
			target: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.path)
			if err == nil {
				t.Fatal("Open() succeeded, want error")
			}
			var lerr *Error
			if !errors.As(err, &lerr) {
				t.Fatalf("error %T is not *loader.Error", err)
			}
			if lerr.Path != tt.path {
				t.Errorf("Path = %q, want %q", lerr.Path, tt.path)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("error %v does not wrap %v", err, tt.target)
			}
		})
	}
}

func TestReadSymbolsRejectsUnknownFormat(t *testing.T) {
	path := loadertest.WriteFile(t, "junk", []byte("not an executable"))
	if _, err := ReadSymbols(path); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ReadSymbols() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestReadSymbolsELF(t *testing.T) {
	code := []byte{0x55, 0x89, 0xe5, 0x5d, 0xc3, 0x31, 0xc0, 0xc3}
	entry := uint32(0x08048000 + loadertest.CodeOffset)
	path := loadertest.WriteFile(t, "syms", loadertest.ELF32WithSymbols(loadertest.EM386, 0x08048000, code,
		loadertest.Symbol{Name: "main", Addr: entry},
		loadertest.Symbol{Name: "helper@plt", Addr: entry + 5},
	))

	syms, err := ReadSymbols(path)
	if err != nil {
		t.Fatalf("ReadSymbols() error = %v", err)
	}
	want := []Symbol{{Name: "main", Addr: uint64(entry)}, {Name: "helper", Addr: uint64(entry) + 5}}
	if len(syms) != len(want) || syms[0] != want[0] || syms[1] != want[1] {
		t.Errorf("ReadSymbols() = %v, want %v", syms, want)
	}

	im, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if names := im.Names(); names[uint64(entry)] != "main" {
		t.Errorf("Names() = %v", names)
	}
}

func TestSymbolNames(t *testing.T) {
	names := SymbolNames([]Symbol{
		{Name: "first", Addr: 0x10},
		{Name: "alias", Addr: 0x10},
		{Name: "second", Addr: 0x20},
	})
	if names[0x10] != "first" || names[0x20] != "second" || len(names) != 2 {
		t.Errorf("SymbolNames() = %v", names)
	}
}
