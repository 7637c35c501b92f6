package testbin

import (
	"debug/pe"
	"encoding/binary"
)

const (
	PEFileAlign    = 0x200
	PESectionAlign = 0x1000

	// PEManifest is the RT_MANIFEST payload of the prebuilt resource tree.
	PEManifest   = "<assembly/>"
	PEManifestID = 1
	PELangEnUS   = 0x409

	// PELongSectionName is stored in the COFF string table and referenced
	// from the section header as "/4".
	PELongSectionName = ".debug_abbrev"
	PELongSectionData = "abbrev"

	peHeaderSize = 0x400
	rtManifest   = 24
)

type PEOptions struct {
	// WithResources adds a .rsrc section holding one RT_MANIFEST entry.
	WithResources bool
	// RelocAfterResources adds a .reloc section after .rsrc.
	RelocAfterResources bool
	// Rdata adds a read-only .rdata section right after .text.
	Rdata bool
	// LongSectionName adds a discardable section named through the COFF
	// string table, plus a one-entry symbol table, before .rsrc.
	LongSectionName bool
}

type peSection struct {
	name  string
	chars uint32
	data  []byte
	vsize uint32
}

// PE returns a PE32+ AMD64 image: .text, then optionally .rdata, the long
// named section, .rsrc and .reloc.
func PE(opts PEOptions) []byte {
	order := binary.LittleEndian

	sections := []peSection{{name: ".text", chars: 0x60000020, data: []byte{0xc3}, vsize: 0x10}}
	if opts.Rdata {
		sections = append(sections, peSection{name: ".rdata", chars: 0x40000040, data: []byte("const"), vsize: 5})
	}
	if opts.LongSectionName {
		sections = append(sections, peSection{name: "/4", chars: 0x42100040, data: []byte(PELongSectionData), vsize: uint32(len(PELongSectionData))})
	}
	rsrcNdx, relocNdx := -1, -1
	if opts.WithResources {
		rsrcNdx = len(sections)
		// RVA is patched in once the layout is known
		sections = append(sections, peSection{name: ".rsrc", chars: 0x40000040})
	}
	if opts.RelocAfterResources {
		relocNdx = len(sections)
		reloc := make([]byte, 12)
		order.PutUint32(reloc, 0x1000)
		order.PutUint32(reloc[4:], 12)
		order.PutUint16(reloc[8:], 0xa000)
		sections = append(sections, peSection{name: ".reloc", chars: 0x42000040, data: reloc, vsize: 12})
	}

	headers := make([]pe.SectionHeader32, len(sections))
	va, raw := uint32(PESectionAlign), uint32(peHeaderSize)
	for i := range sections {
		if i == rsrcNdx {
			sections[i].data = manifestTree(va)
			sections[i].vsize = uint32(len(sections[i].data))
		}
		copy(headers[i].Name[:], sections[i].name)
		headers[i].VirtualSize = sections[i].vsize
		headers[i].VirtualAddress = va
		headers[i].SizeOfRawData = uint32(alignUp(uint64(len(sections[i].data)), PEFileAlign))
		headers[i].PointerToRawData = raw
		headers[i].Characteristics = sections[i].chars
		va += uint32(alignUp(uint64(sections[i].vsize), PESectionAlign))
		raw += headers[i].SizeOfRawData
	}

	opt := pe.OptionalHeader64{
		Magic:                       0x20b,
		MajorLinkerVersion:          14,
		SizeOfCode:                  PEFileAlign,
		AddressOfEntryPoint:         0x1000,
		BaseOfCode:                  0x1000,
		ImageBase:                   0x140000000,
		SectionAlignment:            PESectionAlign,
		FileAlignment:               PEFileAlign,
		MajorOperatingSystemVersion: 6,
		MajorSubsystemVersion:       6,
		SizeOfImage:                 va,
		SizeOfHeaders:               peHeaderSize,
		Subsystem:                   pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		DllCharacteristics:          0x8160,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
		NumberOfRvaAndSizes:         16,
	}
	if rsrcNdx >= 0 {
		opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_RESOURCE] = pe.DataDirectory{
			VirtualAddress: headers[rsrcNdx].VirtualAddress,
			Size:           headers[rsrcNdx].VirtualSize,
		}
	}
	if relocNdx >= 0 {
		opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC] = pe.DataDirectory{
			VirtualAddress: headers[relocNdx].VirtualAddress,
			Size:           12,
		}
	}

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: 240,
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}

	var symbols []byte
	if opts.LongSectionName {
		fh.PointerToSymbolTable = raw
		fh.NumberOfSymbols = 1
		sym := pe.COFFSymbol{Value: 0x1000, SectionNumber: 1, StorageClass: 2}
		copy(sym.Name[:], "main")
		strtab := PELongSectionName + "\x00"
		symbols = make([]byte, 18+4+len(strtab))
		put(symbols, 0, order, sym)
		order.PutUint32(symbols[18:], uint32(4+len(strtab)))
		copy(symbols[22:], strtab)
	}

	buf := make([]byte, int(raw)+len(symbols))
	copy(buf[raw:], symbols)
	copy(buf, "MZ")
	order.PutUint32(buf[0x3c:], 0x40)
	copy(buf[0x40:], "PE\x00\x00")
	put(buf, 0x44, order, fh)
	put(buf, 0x44+20, order, opt)
	put(buf, 0x44+20+240, order, headers)
	for i, s := range sections {
		copy(buf[headers[i].PointerToRawData:], s.data)
	}
	return buf
}

// manifestTree builds a resource directory with one RT_MANIFEST/1/en-US leaf
// for a section mapped at rva.
func manifestTree(rva uint32) []byte {
	order := binary.LittleEndian
	const (
		typeDir  = 24
		nameDir  = 48
		dataEnt  = 72
		dataBlob = 88
	)
	buf := make([]byte, dataBlob+len(PEManifest))

	dir := func(off uint32, id, target uint32) {
		order.PutUint16(buf[off+14:], 1)
		order.PutUint32(buf[off+16:], id)
		order.PutUint32(buf[off+20:], target)
	}
	dir(0, rtManifest, 0x80000000|typeDir)
	dir(typeDir, PEManifestID, 0x80000000|nameDir)
	dir(nameDir, PELangEnUS, dataEnt)

	order.PutUint32(buf[dataEnt:], rva+dataBlob)
	order.PutUint32(buf[dataEnt+4:], uint32(len(PEManifest)))
	copy(buf[dataBlob:], PEManifest)
	return buf
}
