package testbin

import (
	"debug/elf"
	"encoding/binary"
)

const (
	ELFTextAddr = 0x400000
	ELFDataAddr = 0x401000
	ELFBssAddr  = 0x401010

	// ELFSentinel is the placeholder value stored in the pointer symbol.
	ELFSentinel = 0xb8fe1a2d

	elfPointerSymbol = "_binary_postject_sht_start"
)

type ELFOptions struct {
	// Order defaults to little endian.
	Order binary.ByteOrder
	// NoSymbol leaves the pointer symbol out of .symtab.
	NoSymbol bool
	// SymbolInBSS defines the pointer symbol in .bss instead of .data.
	SymbolInBSS bool
	// NoNote drops the PT_NOTE program header.
	NoNote bool
	// Class defaults to ELFCLASS64. ELFCLASS32 builds an i386 (or PPC when
	// big endian) image with a 4-byte pointer placeholder.
	Class elf.Class
}

// ELF returns an executable with .text, a note, .data holding the pointer
// placeholder, .bss and a symbol table.
func ELF(opts ELFOptions) []byte {
	order := opts.Order
	if order == nil {
		order = binary.LittleEndian
	}
	is32 := opts.Class == elf.ELFCLASS32
	data, machine := elf.ELFDATA2LSB, elf.EM_X86_64
	switch {
	case order == binary.BigEndian && is32:
		data, machine = elf.ELFDATA2MSB, elf.EM_PPC
	case order == binary.BigEndian:
		data, machine = elf.ELFDATA2MSB, elf.EM_PPC64
	case is32:
		machine = elf.EM_386
	}
	ehSize, phEnt, shEnt, symEnt, ptrSize := uint64(64), uint64(56), uint64(64), uint64(24), uint64(8)
	if is32 {
		ehSize, phEnt, shEnt, symEnt, ptrSize = 52, 32, 40, 16, 4
	}

	const (
		textOff  = 0x180
		textSize = 0x10
		noteOff  = 0x200
		noteSize = 20
		dataOff  = 0x1000
		dataSize = 0x10
		bssSize  = 0x10
		symOff   = 0x1010
	)

	strtab := []byte("\x00main\x00" + elfPointerSymbol + "\x00")
	shstrtab := []byte("\x00.text\x00.note.test\x00.data\x00.bss\x00.symtab\x00.strtab\x00.shstrtab\x00")
	shName := func(name string) uint32 {
		for i := 1; i+len(name) < len(shstrtab); i++ {
			if string(shstrtab[i:i+len(name)]) == name && shstrtab[i-1] == 0 {
				return uint32(i)
			}
		}
		panic(name)
	}

	syms := []elf.Sym64{
		{},
		{Name: 1, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1, Value: ELFTextAddr + textOff, Size: textSize},
	}
	if !opts.NoSymbol {
		sym := elf.Sym64{Name: 6, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), Shndx: 3, Value: ELFDataAddr, Size: ptrSize}
		if opts.SymbolInBSS {
			sym.Shndx = 4
			sym.Value = ELFBssAddr
		}
		syms = append(syms, sym)
	}
	symSize := uint64(len(syms)) * symEnt
	strOff := symOff + symSize
	shstrOff := strOff + uint64(len(strtab))
	shoff := alignUp(shstrOff+uint64(len(shstrtab)), 8)

	shdrs := []elf.Section64{
		{},
		{Name: shName(".text"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: ELFTextAddr + textOff, Off: textOff, Size: textSize, Addralign: 16},
		{Name: shName(".note.test"), Type: uint32(elf.SHT_NOTE), Flags: uint64(elf.SHF_ALLOC),
			Addr: ELFTextAddr + noteOff, Off: noteOff, Size: noteSize, Addralign: 4},
		{Name: shName(".data"), Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: ELFDataAddr, Off: dataOff, Size: dataSize, Addralign: 8},
		{Name: shName(".bss"), Type: uint32(elf.SHT_NOBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: ELFBssAddr, Off: dataOff + dataSize, Size: bssSize, Addralign: 8},
		{Name: shName(".symtab"), Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: symSize,
			Link: 6, Info: 1, Addralign: ptrSize, Entsize: symEnt},
		{Name: shName(".strtab"), Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(strtab)), Addralign: 1},
		{Name: shName(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1},
	}

	phdrs := []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Off: 0, Vaddr: ELFTextAddr, Paddr: ELFTextAddr,
			Filesz: noteOff + noteSize, Memsz: noteOff + noteSize, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Off: dataOff, Vaddr: ELFDataAddr, Paddr: ELFDataAddr,
			Filesz: dataSize, Memsz: dataSize + bssSize, Align: 0x1000},
	}
	if !opts.NoNote {
		phdrs = append(phdrs, elf.Prog64{Type: uint32(elf.PT_NOTE), Flags: uint32(elf.PF_R), Off: noteOff,
			Vaddr: ELFTextAddr + noteOff, Paddr: ELFTextAddr + noteOff, Filesz: noteSize, Memsz: noteSize, Align: 4})
	}
	phdrs = append(phdrs, elf.Prog64{Type: uint32(elf.PT_GNU_STACK), Flags: uint32(elf.PF_R | elf.PF_W), Align: 16})

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     ELFTextAddr + textOff,
		Phoff:     ehSize,
		Shoff:     shoff,
		Ehsize:    uint16(ehSize),
		Phentsize: uint16(phEnt),
		Phnum:     uint16(len(phdrs)),
		Shentsize: uint16(shEnt),
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  7,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	if is32 {
		hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	}
	hdr.Ident[elf.EI_DATA] = byte(data)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := make([]byte, shoff+uint64(len(shdrs))*shEnt)
	if is32 {
		put(buf, 0, order, header32(hdr))
		put(buf, ehSize, order, progs32(phdrs))
	} else {
		put(buf, 0, order, hdr)
		put(buf, ehSize, order, phdrs)
	}
	for i := uint64(0); i < textSize; i++ {
		buf[textOff+i] = 0x90
	}
	note := buf[noteOff : noteOff+noteSize]
	order.PutUint32(note[0:], 4)
	order.PutUint32(note[4:], 4)
	order.PutUint32(note[8:], 1)
	copy(note[12:], "GNU\x00")
	order.PutUint32(note[16:], 0x1)
	copy(buf[strOff:], strtab)
	copy(buf[shstrOff:], shstrtab)
	if is32 {
		order.PutUint32(buf[dataOff:], ELFSentinel)
		put(buf, symOff, order, syms32(syms))
		put(buf, shoff, order, sections32(shdrs))
		return buf
	}
	order.PutUint64(buf[dataOff:], ELFSentinel)
	put(buf, symOff, order, syms)
	put(buf, shoff, order, shdrs)
	return buf
}

func header32(h elf.Header64) elf.Header32 {
	return elf.Header32{
		Ident: h.Ident, Type: h.Type, Machine: h.Machine, Version: h.Version,
		Entry: uint32(h.Entry), Phoff: uint32(h.Phoff), Shoff: uint32(h.Shoff), Flags: h.Flags,
		Ehsize: h.Ehsize, Phentsize: h.Phentsize, Phnum: h.Phnum,
		Shentsize: h.Shentsize, Shnum: h.Shnum, Shstrndx: h.Shstrndx,
	}
}

func progs32(in []elf.Prog64) []elf.Prog32 {
	out := make([]elf.Prog32, len(in))
	for i, p := range in {
		out[i] = elf.Prog32{
			Type: p.Type, Off: uint32(p.Off), Vaddr: uint32(p.Vaddr), Paddr: uint32(p.Paddr),
			Filesz: uint32(p.Filesz), Memsz: uint32(p.Memsz), Flags: p.Flags, Align: uint32(p.Align),
		}
	}
	return out
}

func sections32(in []elf.Section64) []elf.Section32 {
	out := make([]elf.Section32, len(in))
	for i, s := range in {
		out[i] = elf.Section32{
			Name: s.Name, Type: s.Type, Flags: uint32(s.Flags), Addr: uint32(s.Addr), Off: uint32(s.Off),
			Size: uint32(s.Size), Link: s.Link, Info: s.Info, Addralign: uint32(s.Addralign), Entsize: uint32(s.Entsize),
		}
	}
	return out
}

func syms32(in []elf.Sym64) []elf.Sym32 {
	out := make([]elf.Sym32, len(in))
	for i, s := range in {
		out[i] = elf.Sym32{Name: s.Name, Value: uint32(s.Value), Size: uint32(s.Size), Info: s.Info, Other: s.Other, Shndx: s.Shndx}
	}
	return out
}
