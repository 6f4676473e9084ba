package loader

import (
	"bytes"
	"debug/pe"
	"fmt"
)

func newPE(raw []byte) (*pe.File, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open pe: %w", err)
	}
	return f, nil
}

func loadPE(raw []byte) (*Image, error) {
	f, err := newPE(raw)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	im := &Image{Format: FormatPE}
	var sizeOfImage, sizeOfHeaders uint64
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		im.BaseAddr, im.Bitness = uint64(oh.ImageBase), 32
		sizeOfImage, sizeOfHeaders = uint64(oh.SizeOfImage), uint64(oh.SizeOfHeaders)
	case *pe.OptionalHeader64:
		im.BaseAddr, im.Bitness = oh.ImageBase, 64
		sizeOfImage, sizeOfHeaders = uint64(oh.SizeOfImage), uint64(oh.SizeOfHeaders)
	default:
		return nil, fmt.Errorf("%w: missing optional header", ErrUnsupportedFormat)
	}

	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_I386, pe.IMAGE_FILE_MACHINE_AMD64:
		im.Architecture = ArchIntel
	case pe.IMAGE_FILE_MACHINE_ARM64:
		im.Architecture = ArchARM64
	default:
		return nil, fmt.Errorf("%w: machine 0x%x", ErrUnsupportedArch, f.Machine)
	}

	if err := checkSize(sizeOfImage); err != nil {
		return nil, err
	}
	im.Data = make([]byte, sizeOfImage)
	place(im.Data, 0, raw[:min(sizeOfHeaders, uint64(len(raw)))])
	for _, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("read section %s: %w", s.Name, err)
		}
		if s.VirtualSize > 0 && int(s.VirtualSize) < len(data) {
			data = data[:s.VirtualSize]
		}
		place(im.Data, uint64(s.VirtualAddress), data)
	}
	im.Symbols = peSymbols(f)
	return im, nil
}

// peSymbols returns COFF function symbols, which only unstripped images
// carry, rebased to virtual addresses.
func peSymbols(f *pe.File) []Symbol {
	var base uint64
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		base = uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		base = oh.ImageBase
	}

	var out []Symbol
	for _, s := range f.Symbols {
		// 0x20 marks a function in the COFF symbol type field.
		if s.Type != 0x20 || s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.Sections) {
			continue
		}
		sec := f.Sections[s.SectionNumber-1]
		out = append(out, Symbol{Name: s.Name, Addr: base + uint64(sec.VirtualAddress) + uint64(s.Value)})
	}
	return out
}
