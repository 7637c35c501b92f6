package elfinject

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
)

var ErrNoSectionHeaders = errors.New("no section header table")

// Parse maps contents into a TargetBin. contents is retained and patched in
// place by PatchPointer.
func Parse(contents []byte) (*TargetBin, error) {
	t := &TargetBin{Contents: contents}

	if !t.IsElf() {
		return nil, outcome.Malformedf("not an ELF file")
	}
	if err := t.EnumIdent(); err != nil {
		return nil, err
	}
	if err := t.MapHeader(); err != nil {
		return nil, err
	}
	if err := t.GetProgramHeaders(); err != nil {
		return nil, err
	}
	if err := t.GetSectionHeaders(); err != nil {
		return nil, err
	}
	if err := t.GetSectionNames(); err != nil {
		return nil, err
	}
	if err := t.locateInjectedSegment(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TargetBin) IsElf() bool {
	if len(t.Contents) < elf.EI_NIDENT {
		return false
	}
	t.Ident = t.Contents[:elf.EI_NIDENT]
	return !(t.Ident[0] != '\x7f' || t.Ident[1] != 'E' || t.Ident[2] != 'L' || t.Ident[3] != 'F')
}

func (t *TargetBin) EnumIdent() error {
	switch elf.Class(t.Ident[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		t.EIdent.Arch = elf.ELFCLASS64
	case elf.ELFCLASS32:
		t.EIdent.Arch = elf.ELFCLASS32
	default:
		return outcome.Malformedf("invalid ELF class %d", t.Ident[elf.EI_CLASS])
	}

	switch elf.Data(t.Ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		t.EIdent.Endianness = binary.LittleEndian
	case elf.ELFDATA2MSB:
		t.EIdent.Endianness = binary.BigEndian
	default:
		return outcome.Malformedf("binary possibly corrupted -- byte order unknown")
	}

	return nil
}

func (t *TargetBin) MapHeader() error {
	h := bytes.NewReader(t.Contents)
	b := t.EIdent.Endianness

	switch t.EIdent.Arch {
	case elf.ELFCLASS64:
		if err := binary.Read(h, b, &t.Hdr); err != nil {
			return outcome.Malformedf("ELF header: %v", err)
		}
	case elf.ELFCLASS32:
		var h32 elf.Header32
		if err := binary.Read(h, b, &h32); err != nil {
			return outcome.Malformedf("ELF header: %v", err)
		}
		t.Hdr = elf.Header64{
			Ident:     h32.Ident,
			Type:      h32.Type,
			Machine:   h32.Machine,
			Version:   h32.Version,
			Entry:     uint64(h32.Entry),
			Phoff:     uint64(h32.Phoff),
			Shoff:     uint64(h32.Shoff),
			Flags:     h32.Flags,
			Ehsize:    h32.Ehsize,
			Phentsize: h32.Phentsize,
			Phnum:     h32.Phnum,
			Shentsize: h32.Shentsize,
			Shnum:     h32.Shnum,
			Shstrndx:  h32.Shstrndx,
		}
	}

	if t.Hdr.Phnum > 0 && int(t.Hdr.Phentsize) != t.phdrSize() {
		return outcome.Malformedf("unexpected program header size %d", t.Hdr.Phentsize)
	}
	if t.Hdr.Shnum > 0 && int(t.Hdr.Shentsize) != t.shdrSize() {
		return outcome.Malformedf("unexpected section header size %d", t.Hdr.Shentsize)
	}
	return nil
}

func (t *TargetBin) GetProgramHeaders() error {
	start := t.Hdr.Phoff
	end := start + uint64(t.Hdr.Phnum)*uint64(t.phdrSize())
	if end > uint64(len(t.Contents)) || end < start {
		return outcome.Malformedf("program header table out of bounds")
	}
	pr := bytes.NewReader(t.Contents[start:end])
	t.Phdrs = make([]elf.Prog64, t.Hdr.Phnum)

	if t.is64() {
		if err := binary.Read(pr, t.EIdent.Endianness, t.Phdrs); err != nil {
			return outcome.Malformedf("program headers: %v", err)
		}
		return nil
	}

	p32 := make([]elf.Prog32, t.Hdr.Phnum)
	if err := binary.Read(pr, t.EIdent.Endianness, p32); err != nil {
		return outcome.Malformedf("program headers: %v", err)
	}
	for i, p := range p32 {
		t.Phdrs[i] = elf.Prog64{
			Type:   p.Type,
			Flags:  p.Flags,
			Off:    uint64(p.Off),
			Vaddr:  uint64(p.Vaddr),
			Paddr:  uint64(p.Paddr),
			Filesz: uint64(p.Filesz),
			Memsz:  uint64(p.Memsz),
			Align:  uint64(p.Align),
		}
	}
	return nil
}

func (t *TargetBin) GetSectionHeaders() error {
	if t.Hdr.Shnum == 0 || t.Hdr.Shoff == 0 {
		return errors.Wrap(outcome.ErrMalformed, ErrNoSectionHeaders.Error())
	}
	start := t.Hdr.Shoff
	end := start + uint64(t.Hdr.Shnum)*uint64(t.shdrSize())
	if end > uint64(len(t.Contents)) || end < start {
		return outcome.Malformedf("section header table out of bounds")
	}
	sr := bytes.NewReader(t.Contents[start:end])
	shdrs := make([]elf.Section64, t.Hdr.Shnum)

	if t.is64() {
		if err := binary.Read(sr, t.EIdent.Endianness, shdrs); err != nil {
			return outcome.Malformedf("section headers: %v", err)
		}
	} else {
		s32 := make([]elf.Section32, t.Hdr.Shnum)
		if err := binary.Read(sr, t.EIdent.Endianness, s32); err != nil {
			return outcome.Malformedf("section headers: %v", err)
		}
		for i, s := range s32 {
			shdrs[i] = elf.Section64{
				Name:      s.Name,
				Type:      s.Type,
				Flags:     uint64(s.Flags),
				Addr:      uint64(s.Addr),
				Off:       uint64(s.Off),
				Size:      uint64(s.Size),
				Link:      s.Link,
				Info:      s.Info,
				Addralign: uint64(s.Addralign),
				Entsize:   uint64(s.Entsize),
			}
		}
	}

	t.Sections = make([]*Section, len(shdrs))
	for i := range shdrs {
		t.Sections[i] = &Section{Hdr: shdrs[i]}
	}
	return nil
}

func (t *TargetBin) GetSectionNames() error {
	if t.Sections == nil {
		return errors.New("programming error: GetSectionHeaders() must be called before GetSectionNames()")
	}
	if int(t.Hdr.Shstrndx) >= len(t.Sections) {
		return outcome.Malformedf("section name table index %d out of range", t.Hdr.Shstrndx)
	}

	t.shstrtab = t.Sections[t.Hdr.Shstrndx]
	start := t.shstrtab.Hdr.Off
	end := start + t.shstrtab.Hdr.Size
	if end > uint64(len(t.Contents)) || end < start {
		return outcome.Malformedf("section name table out of bounds")
	}
	shstrTab := t.Contents[start:end]

	for _, s := range t.Sections {
		s.Name = parseSectionHeaderStringTable(s.Hdr.Name, shstrTab)
	}
	return nil
}

func parseSectionHeaderStringTable(sIndex uint32, shstrTab []byte) string {
	if sIndex >= uint32(len(shstrTab)) {
		return ""
	}
	end := sIndex
	for end < uint32(len(shstrTab)) {
		if shstrTab[end] == 0x0 {
			break
		}
		end++
	}
	return string(shstrTab[sIndex:end])
}

// locateInjectedSegment finds the PT_LOAD that holds postject_sht from an
// earlier run and marks the sections inside it as owned.
func (t *TargetBin) locateInjectedSegment() error {
	t.base = uint64(len(t.Contents))

	sht := t.SectionByName(ShtSectionName)
	if sht == nil {
		return nil
	}

	ndx := -1
	for i, p := range t.Phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if sht.Hdr.Addr >= p.Vaddr && sht.Hdr.Addr+sht.Hdr.Size <= p.Vaddr+p.Filesz {
			ndx = i
		}
	}
	if ndx < 0 {
		return outcome.Inconsistentf("%s is not covered by a loadable segment", ShtSectionName)
	}

	p := t.Phdrs[ndx]
	if p.Off+p.Filesz > uint64(len(t.Contents)) {
		return outcome.Malformedf("injected segment out of bounds")
	}
	t.seg = &injectedSeg{
		phdrNdx: ndx,
		off:     p.Off,
		vaddr:   p.Vaddr,
		align:   p.Align,
		data:    append([]byte(nil), t.Contents[p.Off:p.Off+p.Filesz]...),
	}
	t.base = p.Off
	log.Debugf("[+] Injected segment found at pHeader index %d (vaddr 0x%x, 0x%x bytes)", ndx, p.Vaddr, p.Filesz)

	for _, s := range t.Sections {
		if elf.SectionType(s.Hdr.Type) != elf.SHT_PROGBITS || s.Hdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		if s.Hdr.Addr >= p.Vaddr && s.Hdr.Addr+s.Hdr.Size <= p.Vaddr+p.Filesz {
			s.owned = true
		}
	}

	// whatever followed the segment gets rewritten after it
	for _, s := range t.Sections {
		if s.owned || s.Hdr.Off < t.base {
			continue
		}
		switch elf.SectionType(s.Hdr.Type) {
		case elf.SHT_NULL, elf.SHT_NOBITS:
			continue
		}
		if s.Hdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
			return outcome.Malformedf("allocated section %s lies past the injected segment", s.Name)
		}
		if s.Hdr.Size == 0 {
			s.trailing = []byte{}
			continue
		}
		end := s.Hdr.Off + s.Hdr.Size
		if end > uint64(len(t.Contents)) {
			return outcome.Malformedf("section %s out of bounds", s.Name)
		}
		s.trailing = append([]byte{}, t.Contents[s.Hdr.Off:end]...)
	}
	return nil
}

// getFileOffset maps a virtual address to its file offset through the
// PT_LOAD headers. Addresses in the zero-filled tail of a segment have none.
func (t *TargetBin) getFileOffset(addr uint64) (uint64, error) {
	for _, p := range t.Phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if addr >= p.Vaddr && addr < p.Vaddr+p.Filesz {
			return addr - p.Vaddr + p.Off, nil
		}
	}
	return 0, errors.Errorf("address 0x%x is not backed by file contents", addr)
}
