package elfinject

import (
	"debug/elf"
	"encoding/binary"
)

const (
	// ShtSectionName is the allocated section holding the resource directory.
	ShtSectionName = "postject_sht"
	// PointerSymbol is the pointer-sized variable the host program reads to
	// find the directory at runtime.
	PointerSymbol = "_binary_postject_sht_start"
	// PointerSentinel is the value POSTJECT_SHT_PTR_SENTINEL stores in
	// PointerSymbol before any injection.
	PointerSentinel = 0xb8fe1a2d

	PageSize     = 0x1000
	sectionAlign = 8
)

type enumIdent struct {
	Endianness binary.ByteOrder
	Arch       elf.Class
}

// Section is a section header with its resolved name. 32-bit headers are
// widened on read and narrowed again on write.
type Section struct {
	Name string
	Hdr  elf.Section64

	owned    bool
	trailing []byte
}

// Owned reports whether the section lives in the injected segment.
func (s *Section) Owned() bool { return s.owned }

// injectedSeg is the read-only PT_LOAD that carries every section this
// package adds. It sits after every other segment in both file and memory.
type injectedSeg struct {
	phdrNdx int
	off     uint64
	vaddr   uint64
	align   uint64
	data    []byte
}

type TargetBin struct {
	Contents []byte
	Ident    []byte
	EIdent   enumIdent
	Hdr      elf.Header64
	Phdrs    []elf.Prog64
	Sections []*Section

	shstrtab *Section
	seg      *injectedSeg
	// Contents[:base] is carried into the output unchanged
	base uint64
}

func (t *TargetBin) is64() bool {
	return t.EIdent.Arch == elf.ELFCLASS64
}

func (t *TargetBin) ehdrSize() int {
	if t.is64() {
		return 64
	}
	return 52
}

func (t *TargetBin) phdrSize() int {
	if t.is64() {
		return 56
	}
	return 32
}

func (t *TargetBin) shdrSize() int {
	if t.is64() {
		return 64
	}
	return 40
}

func (t *TargetBin) ptrSize() int {
	if t.is64() {
		return 8
	}
	return 4
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
