package testbin

import (
	"debug/macho"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

const (
	CPU386   = 0x00000007
	CPUAmd64 = 0x01000007
	CPUArm64 = 0x0100000c

	MachOTextAddr   = 0x100000000
	MachOTextAddr32 = 0x1000
)

type MachOOptions struct {
	CPU    uint32
	SubCPU uint32
	// PageSize defaults to 0x4000 for arm64 and 0x1000 otherwise.
	PageSize    uint64
	NoSignature bool
	// Is32 builds an MH_MAGIC i386 image with LC_SEGMENT commands.
	Is32 bool
}

func segName(name string) [16]byte {
	var b [16]byte
	copy(b[:], name)
	return b
}

// MachO returns a little endian 64-bit MH_EXECUTE image with __TEXT,__text,
// a __LINKEDIT holding a one-entry symbol table and, unless disabled, a code
// signature blob at the end of __LINKEDIT.
func MachO(opts MachOOptions) []byte {
	if opts.Is32 {
		return machO32(opts)
	}
	if opts.CPU == 0 {
		opts.CPU = CPUAmd64
		opts.SubCPU = 3
	}
	page := opts.PageSize
	if page == 0 {
		page = 0x1000
		if opts.CPU == CPUArm64 {
			page = 0x4000
		}
	}
	order := binary.LittleEndian

	const (
		nlistSize = 16
		strSize   = 16
		sigSize   = 32
		textSize  = 16
	)
	textOff := page / 2
	linkeditSize := uint64(nlistSize + strSize)
	if !opts.NoSignature {
		linkeditSize += sigSize
	}

	text := types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     72 + 80,
		Name:    segName("__TEXT"),
		Addr:    MachOTextAddr,
		Memsz:   page,
		Offset:  0,
		Filesz:  page,
		Maxprot: types.VmProtection(5),
		Prot:    types.VmProtection(5),
		Nsect:   1,
	}
	textSect := macho.Section64{
		Name:   segName("__text"),
		Seg:    segName("__TEXT"),
		Addr:   MachOTextAddr + textOff,
		Size:   textSize,
		Offset: uint32(textOff),
		Align:  4,
		Flags:  0x80000400,
	}
	linkedit := types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     72,
		Name:    segName("__LINKEDIT"),
		Addr:    MachOTextAddr + page,
		Memsz:   page,
		Offset:  page,
		Filesz:  linkeditSize,
		Maxprot: types.VmProtection(1),
		Prot:    types.VmProtection(1),
	}
	symtab := types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Len:     24,
		Symoff:  uint32(page),
		Nsyms:   1,
		Stroff:  uint32(page + nlistSize),
		Strsize: strSize,
	}
	sig := types.LinkEditDataCmd{
		LoadCmd: types.LC_CODE_SIGNATURE,
		Len:     16,
		Offset:  uint32(page + nlistSize + strSize),
		Size:    sigSize,
	}

	ncmds, sizeofcmds := uint32(3), uint32(72+80+72+24)
	if !opts.NoSignature {
		ncmds++
		sizeofcmds += 16
	}
	hdr := macho.FileHeader{
		Magic:  macho.Magic64,
		Cpu:    macho.Cpu(opts.CPU),
		SubCpu: opts.SubCPU,
		Type:   macho.TypeExec,
		Ncmd:   ncmds,
		Cmdsz:  sizeofcmds,
		Flags:  macho.FlagNoUndefs | macho.FlagDyldLink | macho.FlagPIE,
	}

	buf := make([]byte, page+linkeditSize)
	put(buf, 0, order, hdr)
	off := uint64(32)
	put(buf, off, order, text)
	off += 72
	put(buf, off, order, textSect)
	off += 80
	put(buf, off, order, linkedit)
	off += 72
	put(buf, off, order, symtab)
	off += 24
	if !opts.NoSignature {
		put(buf, off, order, sig)
	}

	for i := uint64(0); i < textSize; i++ {
		buf[textOff+i] = 0xc3
	}
	put(buf, page, order, macho.Nlist64{Name: 1, Type: 0x0f, Sect: 1, Value: MachOTextAddr + textOff})
	copy(buf[page+nlistSize:], "\x00_main\x00")
	if !opts.NoSignature {
		binary.BigEndian.PutUint32(buf[page+nlistSize+strSize:], 0xfade0cc0)
	}
	return buf
}

func machO32(opts MachOOptions) []byte {
	if opts.CPU == 0 {
		opts.CPU = CPU386
		opts.SubCPU = 3
	}
	page := uint32(opts.PageSize)
	if page == 0 {
		page = 0x1000
	}
	order := binary.LittleEndian

	const (
		nlistSize = 12
		strSize   = 16
		sigSize   = 32
		textSize  = 16
	)
	textOff := page / 2
	linkeditSize := uint32(nlistSize + strSize)
	if !opts.NoSignature {
		linkeditSize += sigSize
	}

	text := macho.Segment32{
		Cmd:     macho.LoadCmdSegment,
		Len:     56 + 68,
		Name:    segName("__TEXT"),
		Addr:    MachOTextAddr32,
		Memsz:   page,
		Filesz:  page,
		Maxprot: 5,
		Prot:    5,
		Nsect:   1,
	}
	textSect := macho.Section32{
		Name:   segName("__text"),
		Seg:    segName("__TEXT"),
		Addr:   MachOTextAddr32 + textOff,
		Size:   textSize,
		Offset: textOff,
		Align:  4,
		Flags:  0x80000400,
	}
	linkedit := macho.Segment32{
		Cmd:     macho.LoadCmdSegment,
		Len:     56,
		Name:    segName("__LINKEDIT"),
		Addr:    MachOTextAddr32 + page,
		Memsz:   page,
		Offset:  page,
		Filesz:  linkeditSize,
		Maxprot: 1,
		Prot:    1,
	}
	symtab := types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Len:     24,
		Symoff:  page,
		Nsyms:   1,
		Stroff:  page + nlistSize,
		Strsize: strSize,
	}
	sig := types.LinkEditDataCmd{
		LoadCmd: types.LC_CODE_SIGNATURE,
		Len:     16,
		Offset:  page + nlistSize + strSize,
		Size:    sigSize,
	}

	ncmds, sizeofcmds := uint32(3), uint32(56+68+56+24)
	if !opts.NoSignature {
		ncmds++
		sizeofcmds += 16
	}
	hdr := macho.FileHeader{
		Magic:  macho.Magic32,
		Cpu:    macho.Cpu(opts.CPU),
		SubCpu: opts.SubCPU,
		Type:   macho.TypeExec,
		Ncmd:   ncmds,
		Cmdsz:  sizeofcmds,
		Flags:  macho.FlagNoUndefs | macho.FlagDyldLink | macho.FlagPIE,
	}

	buf := make([]byte, page+linkeditSize)
	put(buf, 0, order, hdr)
	off := uint64(28)
	put(buf, off, order, text)
	off += 56
	put(buf, off, order, textSect)
	off += 68
	put(buf, off, order, linkedit)
	off += 56
	put(buf, off, order, symtab)
	off += 24
	if !opts.NoSignature {
		put(buf, off, order, sig)
	}

	for i := uint32(0); i < textSize; i++ {
		buf[textOff+i] = 0xc3
	}
	put(buf, uint64(page), order, macho.Nlist32{Name: 1, Type: 0x0f, Sect: 1, Value: MachOTextAddr32 + textOff})
	copy(buf[page+nlistSize:], "\x00_main\x00")
	if !opts.NoSignature {
		binary.BigEndian.PutUint32(buf[page+nlistSize+strSize:], 0xfade0cc0)
	}
	return buf
}

type FatSlice struct {
	CPU    uint32
	SubCPU uint32
	Align  uint32
	Data   []byte
}

// Fat wraps slices in a universal header.
func Fat(slices ...FatSlice) []byte {
	off := uint64(8 + 20*len(slices))
	type placed struct {
		off uint64
		s   FatSlice
	}
	var layout []placed
	for _, s := range slices {
		off = alignUp(off, 1<<s.Align)
		layout = append(layout, placed{off, s})
		off += uint64(len(s.Data))
	}

	buf := make([]byte, off)
	binary.BigEndian.PutUint32(buf, macho.MagicFat)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(slices)))
	for i, p := range layout {
		e := buf[8+20*i:]
		binary.BigEndian.PutUint32(e, p.s.CPU)
		binary.BigEndian.PutUint32(e[4:], p.s.SubCPU)
		binary.BigEndian.PutUint32(e[8:], uint32(p.off))
		binary.BigEndian.PutUint32(e[12:], uint32(len(p.s.Data)))
		binary.BigEndian.PutUint32(e[16:], p.s.Align)
		copy(buf[p.off:], p.s.Data)
	}
	return buf
}
