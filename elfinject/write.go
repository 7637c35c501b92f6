package elfinject

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/log"
)

// Bytes serializes the image. The original contents up to the injected
// segment are kept, then come the segment, any non-allocated sections that
// used to follow it, a rebuilt .shstrtab and finally the section header
// table. Bytes updates the in-memory headers as it lays the file out.
func (t *TargetBin) Bytes() ([]byte, error) {
	base := t.base
	if base > uint64(len(t.Contents)) {
		base = uint64(len(t.Contents))
	}
	out := make([]byte, base)
	copy(out, t.Contents[:base])

	if t.seg != nil {
		out = padTo(out, t.seg.off)
		out = append(out, t.seg.data...)

		p := &t.Phdrs[t.seg.phdrNdx]
		p.Type = uint32(elf.PT_LOAD)
		p.Flags = uint32(elf.PF_R)
		p.Off = t.seg.off
		p.Vaddr = t.seg.vaddr
		p.Paddr = t.seg.vaddr
		p.Filesz = uint64(len(t.seg.data))
		p.Memsz = uint64(len(t.seg.data))
		p.Align = t.seg.align
	}

	for _, s := range t.Sections {
		if s == t.shstrtab || s.trailing == nil {
			continue
		}
		out = padTo(out, alignUp(uint64(len(out)), s.Hdr.Addralign))
		s.Hdr.Off = uint64(len(out))
		out = append(out, s.trailing...)
	}

	names := t.buildShstrtab()
	t.shstrtab.Hdr.Off = uint64(len(out))
	t.shstrtab.Hdr.Size = uint64(len(names))
	out = append(out, names...)

	shstrndx := -1
	for i, s := range t.Sections {
		if s == t.shstrtab {
			shstrndx = i
		}
	}
	if len(t.Sections) >= int(elf.SHN_LORESERVE) {
		return nil, errors.Errorf("too many sections (%d)", len(t.Sections))
	}

	shoff := alignUp(uint64(len(out)), uint64(t.ptrSize()))
	out = padTo(out, shoff)
	shdrs, err := t.encodeSectionHeaders()
	if err != nil {
		return nil, err
	}
	out = append(out, shdrs...)

	t.Hdr.Shoff = shoff
	t.Hdr.Shnum = uint16(len(t.Sections))
	t.Hdr.Shstrndx = uint16(shstrndx)
	t.Hdr.Shentsize = uint16(t.shdrSize())

	ehdr, err := t.encodeHeader()
	if err != nil {
		return nil, err
	}
	copy(out, ehdr)

	phdrs, err := t.encodeProgramHeaders()
	if err != nil {
		return nil, err
	}
	if t.Hdr.Phoff+uint64(len(phdrs)) > base {
		return nil, errors.New("program header table is not inside the preserved image")
	}
	copy(out[t.Hdr.Phoff:], phdrs)

	log.Debugf("[+] Section header table @ 0x%x (%d entries), file is 0x%x bytes", shoff, len(t.Sections), len(out))
	return out, nil
}

func padTo(b []byte, n uint64) []byte {
	if uint64(len(b)) >= n {
		return b
	}
	return append(b, make([]byte, n-uint64(len(b)))...)
}

func (t *TargetBin) buildShstrtab() []byte {
	tab := []byte{0}
	seen := map[string]uint32{"": 0}
	for _, s := range t.Sections {
		off, ok := seen[s.Name]
		if !ok {
			off = uint32(len(tab))
			tab = append(tab, s.Name...)
			tab = append(tab, 0)
			seen[s.Name] = off
		}
		s.Hdr.Name = off
	}
	return tab
}

func fits32(vals ...uint64) bool {
	for _, v := range vals {
		if v > math.MaxUint32 {
			return false
		}
	}
	return true
}

func (t *TargetBin) encodeHeader() ([]byte, error) {
	buf := new(bytes.Buffer)
	h := t.Hdr
	if t.is64() {
		if err := binary.Write(buf, t.EIdent.Endianness, h); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	if !fits32(h.Entry, h.Phoff, h.Shoff) {
		return nil, errors.New("ELF32 header field overflow")
	}
	h32 := elf.Header32{
		Ident:     h.Ident,
		Type:      h.Type,
		Machine:   h.Machine,
		Version:   h.Version,
		Entry:     uint32(h.Entry),
		Phoff:     uint32(h.Phoff),
		Shoff:     uint32(h.Shoff),
		Flags:     h.Flags,
		Ehsize:    h.Ehsize,
		Phentsize: h.Phentsize,
		Phnum:     h.Phnum,
		Shentsize: h.Shentsize,
		Shnum:     h.Shnum,
		Shstrndx:  h.Shstrndx,
	}
	if err := binary.Write(buf, t.EIdent.Endianness, h32); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *TargetBin) encodeProgramHeaders() ([]byte, error) {
	buf := new(bytes.Buffer)
	if t.is64() {
		if err := binary.Write(buf, t.EIdent.Endianness, t.Phdrs); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	p32 := make([]elf.Prog32, len(t.Phdrs))
	for i, p := range t.Phdrs {
		if !fits32(p.Off, p.Vaddr, p.Paddr, p.Filesz, p.Memsz, p.Align) {
			return nil, errors.Errorf("ELF32 program header %d overflow", i)
		}
		p32[i] = elf.Prog32{
			Type:   p.Type,
			Off:    uint32(p.Off),
			Vaddr:  uint32(p.Vaddr),
			Paddr:  uint32(p.Paddr),
			Filesz: uint32(p.Filesz),
			Memsz:  uint32(p.Memsz),
			Flags:  p.Flags,
			Align:  uint32(p.Align),
		}
	}
	if err := binary.Write(buf, t.EIdent.Endianness, p32); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *TargetBin) encodeSectionHeaders() ([]byte, error) {
	buf := new(bytes.Buffer)
	if t.is64() {
		shdrs := make([]elf.Section64, len(t.Sections))
		for i, s := range t.Sections {
			shdrs[i] = s.Hdr
		}
		if err := binary.Write(buf, t.EIdent.Endianness, shdrs); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	s32 := make([]elf.Section32, len(t.Sections))
	for i, s := range t.Sections {
		h := s.Hdr
		if !fits32(h.Flags, h.Addr, h.Off, h.Size, h.Addralign, h.Entsize) {
			return nil, errors.Errorf("ELF32 section header %s overflow", s.Name)
		}
		s32[i] = elf.Section32{
			Name:      h.Name,
			Type:      h.Type,
			Flags:     uint32(h.Flags),
			Addr:      uint32(h.Addr),
			Off:       uint32(h.Off),
			Size:      uint32(h.Size),
			Link:      h.Link,
			Info:      h.Info,
			Addralign: uint32(h.Addralign),
			Entsize:   uint32(h.Entsize),
		}
	}
	if err := binary.Write(buf, t.EIdent.Endianness, s32); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
