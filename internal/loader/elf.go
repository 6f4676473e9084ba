package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strings"
)

func newELF(raw []byte) (*elf.File, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	return f, nil
}

func loadELF(raw []byte) (*Image, error) {
	f, err := newELF(raw)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	im := &Image{Format: FormatELF}
	switch f.Machine {
	case elf.EM_386:
		im.Architecture, im.Bitness = ArchIntel, 32
	case elf.EM_X86_64:
		im.Architecture, im.Bitness = ArchIntel, 64
	case elf.EM_AARCH64:
		im.Architecture, im.Bitness = ArchARM64, 64
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, f.Machine)
	}

	var loads []*elf.Prog
	lo, hi := ^uint64(0), uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		loads = append(loads, p)
		lo = min(lo, p.Vaddr)
		hi = max(hi, p.Vaddr+p.Memsz)
	}
	if len(loads) == 0 {
		return nil, fmt.Errorf("%w: no PT_LOAD segments", ErrUnsupportedFormat)
	}
	if err := checkSize(hi - lo); err != nil {
		return nil, err
	}

	im.BaseAddr = lo
	im.Data = make([]byte, hi-lo)
	for _, p := range loads {
		end := p.Off + p.Filesz
		if end > uint64(len(raw)) || end < p.Off {
			return nil, fmt.Errorf("segment at 0x%x exceeds file size", p.Vaddr)
		}
		place(im.Data, p.Vaddr-lo, raw[p.Off:end])
	}
	im.Symbols = elfSymbols(f)
	return im, nil
}

// elfSymbols collects defined function symbols from .dynsym and .symtab.
func elfSymbols(f *elf.File) []Symbol {
	var out []Symbol
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Value == 0 || s.Name == "" || s.Section == elf.SHN_UNDEF {
				continue
			}
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			out = append(out, Symbol{Name: strings.TrimSuffix(s.Name, "@plt"), Addr: s.Value})
		}
	}
	if dyn, err := f.DynamicSymbols(); err == nil {
		add(dyn)
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	return out
}
