package elfinject

import (
	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/outcome"
)

var ErrNoDirectory = errors.New("no resources have been injected")

// Directory resolves the resource directory the way a running program does:
// by following PointerSymbol. Files without a usable symbol table fall back
// to the postject_sht section.
func (t *TargetBin) Directory() ([]Entry, error) {
	if ptr, err := t.readPointer(PointerSymbol); err == nil && ptr != PointerSentinel && ptr != 0 {
		off, err := t.getFileOffset(ptr)
		if err != nil {
			return nil, outcome.Inconsistentf("%s points to unmapped address 0x%x", PointerSymbol, ptr)
		}
		return ParseDirectory(t.Contents[off:], t.EIdent.Endianness)
	}

	sht := t.SectionByName(ShtSectionName)
	if sht == nil {
		return nil, ErrNoDirectory
	}
	raw, err := t.SectionData(sht)
	if err != nil {
		return nil, err
	}
	return ParseDirectory(raw, t.EIdent.Endianness)
}

// ReadAt returns size bytes of file content mapped at addr.
func (t *TargetBin) ReadAt(addr uint64, size uint32) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	off, err := t.getFileOffset(addr)
	if err != nil {
		return nil, err
	}
	end := off + uint64(size)
	if end > uint64(len(t.Contents)) {
		return nil, outcome.Malformedf("0x%x bytes at 0x%x run past the end of the file", size, addr)
	}
	return t.Contents[off:end], nil
}
