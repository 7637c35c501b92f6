package elfinject

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/outcome"
)

// Entry is one record of the postject_sht directory.
type Entry struct {
	Name string
	Addr uint64
	Size uint32
}

// MarshalDirectory encodes entries as a u32 count followed by
// name, NUL, u64 address, u32 size per entry, all in order.
func MarshalDirectory(entries []Entry, order binary.ByteOrder) ([]byte, error) {
	if uint64(len(entries)) > math.MaxUint32 {
		return nil, errors.New("too many directory entries")
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, order, uint32(len(entries))); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if bytes.IndexByte([]byte(e.Name), 0) >= 0 {
			return nil, errors.Errorf("directory entry name %q contains NUL", e.Name)
		}
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		if err := binary.Write(buf, order, e.Addr); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, order, e.Size); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ParseDirectory decodes a directory written by MarshalDirectory.
func ParseDirectory(data []byte, order binary.ByteOrder) ([]Entry, error) {
	if len(data) < 4 {
		return nil, outcome.Inconsistentf("%s truncated", ShtSectionName)
	}
	count := order.Uint32(data)
	data = data[4:]

	// each entry needs at least a NUL and 12 bytes of address and size
	if uint64(count)*13 > uint64(len(data)) {
		return nil, outcome.Inconsistentf("%s claims %d entries in %d bytes", ShtSectionName, count, len(data))
	}

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		nul := bytes.IndexByte(data, 0)
		if nul < 0 || len(data) < nul+1+12 {
			return nil, outcome.Inconsistentf("%s entry %d truncated", ShtSectionName, i)
		}
		e := Entry{Name: string(data[:nul])}
		data = data[nul+1:]
		e.Addr = order.Uint64(data)
		e.Size = order.Uint32(data[8:])
		data = data[12:]
		entries = append(entries, e)
	}
	return entries, nil
}
