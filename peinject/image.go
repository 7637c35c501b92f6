package peinject

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
)

const (
	sectionHeaderSize = 40
	coffHeaderSize    = 20

	// offsets inside the optional header
	sizeOfImageAt  = 56
	dataDirAt32    = 96
	dataDirAt64    = 112
	dataDirEntSize = 8
)

var (
	ErrNoHeaderSpace = errors.New("no room for another section header")
	// ErrResourcesAfterCode means the resource section to be rebuilt sits
	// right behind an executable section, which would have to grow over the
	// hole it leaves.
	ErrResourcesAfterCode = errors.New("resource section follows an executable section")
)

type section struct {
	hdr  pe.SectionHeader32
	data []byte
}

func (s *section) name() string {
	n := s.hdr.Name[:]
	if i := bytes.IndexByte(n, 0); i >= 0 {
		n = n[:i]
	}
	return string(n)
}

// extent is the size of the section in memory.
func (s *section) extent() uint32 {
	if s.hdr.VirtualSize != 0 {
		return s.hdr.VirtualSize
	}
	return s.hdr.SizeOfRawData
}

// image is a PE file with its section table decoded. Everything outside the
// headers and the section raw data (overlay, certificates, COFF symbols) is
// dropped on write, except the COFF string table when a section name refers
// to it.
type image struct {
	data          []byte
	peOffset      uint32
	optOffset     uint32
	tableOffset   uint32
	is64          bool
	fileAlign     uint32
	sectAlign     uint32
	sizeOfHeaders uint32
	dirs          []pe.DataDirectory
	sections      []*section
	origSections  int
	// COFF string table without its length prefix
	strtab []byte
}

func parseImage(contents []byte) (*image, error) {
	f, err := pe.NewFile(bytes.NewReader(contents))
	if err != nil {
		return nil, outcome.Malformedf("PE: %v", err)
	}
	defer f.Close()

	img := &image{data: contents}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.fileAlign, img.sectAlign, img.sizeOfHeaders = oh.FileAlignment, oh.SectionAlignment, oh.SizeOfHeaders
		img.dirs = append(img.dirs, oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]...)
	case *pe.OptionalHeader64:
		img.is64 = true
		img.fileAlign, img.sectAlign, img.sizeOfHeaders = oh.FileAlignment, oh.SectionAlignment, oh.SizeOfHeaders
		img.dirs = append(img.dirs, oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]...)
	default:
		return nil, outcome.Malformedf("PE without optional header")
	}
	if img.fileAlign == 0 || img.sectAlign == 0 {
		return nil, outcome.Malformedf("PE with zero alignment")
	}

	img.peOffset = binary.LittleEndian.Uint32(contents[0x3c:])
	img.optOffset = img.peOffset + 4 + coffHeaderSize
	img.tableOffset = img.optOffset + uint32(f.FileHeader.SizeOfOptionalHeader)

	n := int(f.FileHeader.NumberOfSections)
	end := uint64(img.tableOffset) + uint64(n*sectionHeaderSize)
	if end > uint64(len(contents)) {
		return nil, outcome.Malformedf("section table out of bounds")
	}
	hdrs := make([]pe.SectionHeader32, n)
	if err := binary.Read(bytes.NewReader(contents[img.tableOffset:end]), binary.LittleEndian, hdrs); err != nil {
		return nil, outcome.Malformedf("section table: %v", err)
	}
	for _, h := range hdrs {
		s := &section{hdr: h}
		if h.PointerToRawData != 0 && h.SizeOfRawData != 0 {
			start := uint64(h.PointerToRawData)
			stop := min(start+uint64(h.SizeOfRawData), uint64(len(contents)))
			if start > stop {
				return nil, outcome.Malformedf("section %s raw data out of bounds", s.name())
			}
			s.data = append([]byte(nil), contents[start:stop]...)
		}
		img.sections = append(img.sections, s)
	}
	img.origSections = n
	if img.longNames() {
		img.strtab = append([]byte(nil), f.StringTable...)
	}
	return img, nil
}

// longNames reports whether a section name is a "/N" string table offset.
func (img *image) longNames() bool {
	for _, s := range img.sections {
		if s.hdr.Name[0] == '/' {
			return true
		}
	}
	return false
}

func (img *image) sectionIndex(name string) int {
	for i, s := range img.sections {
		if s.name() == name {
			return i
		}
	}
	return -1
}

// rvaSlice returns the bytes mapped at rva up to the end of the containing
// section's raw data.
func (img *image) rvaSlice(rva uint32) ([]byte, error) {
	for _, s := range img.sections {
		if rva >= s.hdr.VirtualAddress && rva < s.hdr.VirtualAddress+s.extent() {
			off := rva - s.hdr.VirtualAddress
			if off >= uint32(len(s.data)) {
				return nil, outcome.Malformedf("rva 0x%x has no file data", rva)
			}
			return s.data[off:], nil
		}
	}
	return nil, outcome.Malformedf("rva 0x%x is not inside any section", rva)
}

func (img *image) dataDirectory(i int) pe.DataDirectory {
	if i < len(img.dirs) {
		return img.dirs[i]
	}
	return pe.DataDirectory{}
}

func (img *image) setDataDirectory(i int, rva, size uint32) error {
	if i >= len(img.dirs) {
		if rva == 0 && size == 0 {
			return nil
		}
		return outcome.Malformedf("optional header has only %d data directories", len(img.dirs))
	}
	img.dirs[i] = pe.DataDirectory{VirtualAddress: rva, Size: size}
	return nil
}

// removeSection drops the named section and zeroes its data. A section in
// the middle of the table leaves a hole that the previous section's virtual
// size is grown over, so later sections keep their addresses. That section
// must not be executable.
func (img *image) removeSection(name string) (bool, error) {
	i := img.sectionIndex(name)
	if i < 0 {
		return false, nil
	}
	s := img.sections[i]

	if i < len(img.sections)-1 {
		if i == 0 {
			return false, errors.Errorf("cannot remove leading section %s", name)
		}
		prev := img.sections[i-1]
		if prev.hdr.Characteristics&(pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_CNT_CODE) != 0 {
			return false, errors.Wrapf(ErrResourcesAfterCode, "%s follows %s", name, prev.name())
		}
		end := s.hdr.VirtualAddress + alignUp(s.extent(), img.sectAlign)
		prev.hdr.VirtualSize = end - prev.hdr.VirtualAddress
		// the raw bytes are left behind as zeroes
		img.sections = append(img.sections[:i], img.sections[i+1:]...)
		log.Debugf("[+] Removed %s, %s now spans 0x%x bytes", name, prev.name(), prev.hdr.VirtualSize)
		return true, nil
	}

	img.sections = img.sections[:i]
	log.Debugf("[+] Removed trailing section %s", name)
	return true, nil
}

func (img *image) nextVA() uint32 {
	va := alignUp(img.sizeOfHeaders, img.sectAlign)
	for _, s := range img.sections {
		if end := alignUp(s.hdr.VirtualAddress+s.extent(), img.sectAlign); end > va {
			va = end
		}
	}
	return va
}

func (img *image) rawEnd() uint32 {
	end := img.sizeOfHeaders
	for _, s := range img.sections {
		if e := s.hdr.PointerToRawData + s.hdr.SizeOfRawData; s.hdr.PointerToRawData != 0 && e > end {
			end = e
		}
	}
	return end
}

func (img *image) checkHeaderSpace(count int) error {
	need := img.tableOffset + uint32(count*sectionHeaderSize)
	limit := img.sizeOfHeaders
	for _, s := range img.sections {
		if s.hdr.PointerToRawData != 0 && s.hdr.PointerToRawData < limit {
			limit = s.hdr.PointerToRawData
		}
	}
	if need > limit {
		return errors.Wrapf(ErrNoHeaderSpace, "need 0x%x, headers end at 0x%x", need, limit)
	}
	return nil
}

// addSection appends a section after every existing one.
func (img *image) addSection(name string, data []byte, characteristics uint32) (*section, error) {
	if len(name) > 8 {
		return nil, errors.Errorf("section name %q longer than 8 bytes", name)
	}
	if err := img.checkHeaderSpace(len(img.sections) + 1); err != nil {
		return nil, err
	}

	s := &section{data: data}
	copy(s.hdr.Name[:], name)
	s.hdr.VirtualSize = uint32(len(data))
	s.hdr.VirtualAddress = img.nextVA()
	s.hdr.SizeOfRawData = alignUp(uint32(len(data)), img.fileAlign)
	s.hdr.PointerToRawData = alignUp(img.rawEnd(), img.fileAlign)
	s.hdr.Characteristics = characteristics
	img.sections = append(img.sections, s)

	log.Debugf("[+] Added section %s @ rva 0x%x, file offset 0x%x (0x%x bytes)",
		name, s.hdr.VirtualAddress, s.hdr.PointerToRawData, len(data))
	return s, nil
}

func (img *image) sizeOfImage() uint32 {
	return img.nextVA()
}

func (img *image) bytes() ([]byte, error) {
	if err := img.checkHeaderSpace(len(img.sections)); err != nil {
		return nil, err
	}

	out := make([]byte, img.rawEnd())
	copy(out, img.data[:min(uint64(img.sizeOfHeaders), uint64(len(img.data)))])

	le := binary.LittleEndian
	coff := out[img.peOffset+4:]
	le.PutUint16(coff[2:], uint16(len(img.sections)))
	le.PutUint32(coff[8:], 0)
	le.PutUint32(coff[12:], 0)

	opt := out[img.optOffset:]
	le.PutUint32(opt[sizeOfImageAt:], img.sizeOfImage())
	dirAt := uint32(dataDirAt32)
	if img.is64 {
		dirAt = dataDirAt64
	}
	for i, d := range img.dirs {
		le.PutUint32(opt[dirAt+uint32(i*dataDirEntSize):], d.VirtualAddress)
		le.PutUint32(opt[dirAt+uint32(i*dataDirEntSize)+4:], d.Size)
	}

	tableLen := max(len(img.sections), img.origSections) * sectionHeaderSize
	clear(out[img.tableOffset : img.tableOffset+uint32(tableLen)])
	hdrs := new(bytes.Buffer)
	for _, s := range img.sections {
		if err := binary.Write(hdrs, le, s.hdr); err != nil {
			return nil, err
		}
	}
	copy(out[img.tableOffset:], hdrs.Bytes())

	for _, s := range img.sections {
		if s.hdr.PointerToRawData == 0 {
			continue
		}
		copy(out[s.hdr.PointerToRawData:s.hdr.PointerToRawData+s.hdr.SizeOfRawData], s.data)
	}

	// long section names keep their string table after the raw data, behind
	// an empty symbol table
	if img.strtab != nil && img.longNames() {
		le.PutUint32(coff[8:], uint32(len(out)))
		out = le.AppendUint32(out, uint32(len(img.strtab)+4))
		out = append(out, img.strtab...)
	}
	return out, nil
}

func alignUp(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return ((value + alignment - 1) / alignment) * alignment
}
