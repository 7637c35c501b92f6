package elfinject

import (
	"math"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/binfile"
	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
)

// Inject stores data in the ELF file at path as section sectionName, lists it
// in the postject_sht directory and points PointerSymbol at that directory.
// With overwrite unset an existing section yields AlreadyExists and the file
// is left alone.
func Inject(path, sectionName string, data []byte, overwrite bool) (outcome.Outcome, error) {
	contents, err := binfile.Read(path)
	if err != nil {
		return 0, err
	}

	out, res, err := inject(contents, sectionName, data, overwrite)
	if err != nil || res != outcome.Inserted {
		return res, err
	}
	if err := binfile.Write(path, out); err != nil {
		return 0, err
	}
	return outcome.Inserted, nil
}

func inject(contents []byte, sectionName string, data []byte, overwrite bool) ([]byte, outcome.Outcome, error) {
	if sectionName == ShtSectionName {
		return nil, 0, errors.Errorf("%s is reserved", ShtSectionName)
	}
	if uint64(len(data)) > math.MaxUint32 {
		return nil, 0, errors.Errorf("resource of %d bytes is too large for the directory", len(data))
	}

	t, err := Parse(contents)
	if err != nil {
		return nil, 0, err
	}

	if t.SectionByName(sectionName) != nil {
		if !overwrite {
			return nil, outcome.AlreadyExists, nil
		}
		if err := t.RemoveSection(sectionName); err != nil {
			return nil, 0, err
		}
	}

	sec, err := t.AddSection(sectionName, data)
	if err != nil {
		return nil, 0, err
	}
	entries := []Entry{{Name: sectionName, Addr: sec.Hdr.Addr, Size: uint32(sec.Hdr.Size)}}

	if old := t.SectionByName(ShtSectionName); old != nil {
		raw, err := t.SectionData(old)
		if err != nil {
			return nil, 0, err
		}
		prior, err := ParseDirectory(raw, t.EIdent.Endianness)
		if err != nil {
			return nil, 0, err
		}
		for _, e := range prior {
			if e.Name == sectionName {
				continue
			}
			live := t.SectionByName(e.Name)
			if live == nil {
				return nil, 0, outcome.Inconsistentf("directory lists %s but the section is missing", e.Name)
			}
			entries = append(entries, Entry{Name: e.Name, Addr: live.Hdr.Addr, Size: uint32(live.Hdr.Size)})
		}
		if err := t.RemoveSection(ShtSectionName); err != nil {
			return nil, 0, err
		}
	}

	raw, err := MarshalDirectory(entries, t.EIdent.Endianness)
	if err != nil {
		return nil, 0, err
	}
	printDirectory(entries, raw)

	sht, err := t.AddSection(ShtSectionName, raw)
	if err != nil {
		return nil, 0, err
	}
	if err := t.PatchPointer(PointerSymbol, sht.Hdr.Addr); err != nil {
		return nil, 0, err
	}

	out, err := t.Bytes()
	if err != nil {
		return nil, 0, err
	}
	log.Debugf("[+] %s now lists %d resource(s)", ShtSectionName, len(entries))
	return out, outcome.Inserted, nil
}
