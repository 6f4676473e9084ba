// Package loadertest builds minimal executables for tests.
package loadertest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const (
	elf32HeaderSize = 52
	elf32PhdrSize   = 32

	// EM386 and EMARM are ELF e_machine values.
	EM386 = 3
	EMARM = 40
)

// CodeOffset is where ELF32 places code inside the file and the image.
const CodeOffset = elf32HeaderSize + elf32PhdrSize

// Symbol is a function symbol written into the .symtab of ELF32WithSymbols.
type Symbol struct {
	Name string
	Addr uint32
}

// ELF32 returns a little-endian ELF32 executable with one PT_LOAD segment
// at base that covers the headers followed by code. bss zero bytes are
// appended to the segment in memory only.
func ELF32(machine uint16, base uint32, code []byte, bss uint32) []byte {
	return elf32(machine, base, code, bss, nil)
}

// ELF32WithSymbols is ELF32 with section headers for .text, .symtab and
// .strtab. Every symbol is a global function defined in .text.
func ELF32WithSymbols(machine uint16, base uint32, code []byte, syms ...Symbol) []byte {
	return elf32(machine, base, code, 0, syms)
}

func elf32(machine uint16, base uint32, code []byte, bss uint32, syms []Symbol) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian

	ident := [16]byte{0x7f, 'E', 'L', 'F', 1, 1, 1}
	b.Write(ident[:])
	fileSize := uint32(CodeOffset + len(code))

	hdr := elf32Header{
		Type: 2, Machine: machine, Version: 1,
		Entry: base + CodeOffset, Phoff: elf32HeaderSize,
		Ehsize: elf32HeaderSize, Phentsize: elf32PhdrSize, Phnum: 1, Shentsize: elf32ShdrSize,
	}
	var tables []byte
	if syms != nil {
		tables, hdr.Shoff = sectionTables(base, fileSize, uint32(len(code)), syms)
		hdr.Shnum, hdr.Shstrndx = 5, 4
	}
	binary.Write(&b, le, hdr)

	phdr := [8]uint32{
		1,              // PT_LOAD
		0,              // p_offset
		base,           // p_vaddr
		base,           // p_paddr
		fileSize,       // p_filesz
		fileSize + bss, // p_memsz
		5,              // PF_R|PF_X
		0x1000,         // p_align
	}
	binary.Write(&b, le, phdr)
	b.Write(code)
	b.Write(tables)
	return b.Bytes()
}

const elf32ShdrSize = 40

type elf32Header struct {
	Type, Machine                                        uint16
	Version, Entry, Phoff, Shoff, Flags                  uint32
	Ehsize, Phentsize, Phnum, Shentsize, Shnum, Shstrndx uint16
}

type elf32Sym struct {
	Name, Value, Size uint32
	Info, Other       uint8
	Shndx             uint16
}

// sectionTables returns the string tables, the symbol table and the
// section headers that follow the code at offset start, together with the
// section header offset.
func sectionTables(base, start, codeSize uint32, syms []Symbol) ([]byte, uint32) {
	var b bytes.Buffer
	le := binary.LittleEndian

	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	strtab := []byte{0}
	symtab := []elf32Sym{{}}
	for _, s := range syms {
		symtab = append(symtab, elf32Sym{
			Name:  uint32(len(strtab)),
			Value: s.Addr,
			Info:  0x12, // STB_GLOBAL, STT_FUNC
			Shndx: 1,
		})
		strtab = append(append(strtab, s.Name...), 0)
	}

	strtabOff := start
	b.Write(strtab)
	shstrtabOff := start + uint32(b.Len())
	b.Write(shstrtab)
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
	symtabOff := start + uint32(b.Len())
	binary.Write(&b, le, symtab)
	symtabSize := start + uint32(b.Len()) - symtabOff
	shoff := start + uint32(b.Len())

	shdrs := [][10]uint32{
		{},
		// name, type, flags, addr, offset, size, link, info, addralign, entsize
		{1, 1, 6, base + CodeOffset, CodeOffset, codeSize, 0, 0, 1, 0},
		{7, 2, 0, 0, symtabOff, symtabSize, 3, 1, 4, 16},
		{15, 3, 0, 0, strtabOff, uint32(len(strtab)), 0, 0, 1, 0},
		{23, 3, 0, 0, shstrtabOff, uint32(len(shstrtab)), 0, 0, 1, 0},
	}
	binary.Write(&b, le, shdrs)
	return b.Bytes(), shoff
}

// WriteFile writes data to a file in a per-test temp dir and returns its
// path.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
