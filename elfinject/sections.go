package elfinject

import (
	"debug/elf"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
)

var ErrForeignSection = errors.New("section was not created by postject")

func (t *TargetBin) sectionIndex(name string) int {
	for i, s := range t.Sections {
		if i > 0 && s.Name == name {
			return i
		}
	}
	return -1
}

// SectionByName returns the first section called name, or nil.
func (t *TargetBin) SectionByName(name string) *Section {
	if i := t.sectionIndex(name); i >= 0 {
		return t.Sections[i]
	}
	return nil
}

// SectionData returns the file contents of s.
func (t *TargetBin) SectionData(s *Section) ([]byte, error) {
	switch {
	case elf.SectionType(s.Hdr.Type) == elf.SHT_NOBITS:
		return nil, nil
	case s.owned:
		rel := s.Hdr.Addr - t.seg.vaddr
		if rel+s.Hdr.Size > uint64(len(t.seg.data)) {
			return nil, outcome.Inconsistentf("section %s overruns the injected segment", s.Name)
		}
		return t.seg.data[rel : rel+s.Hdr.Size], nil
	case s.trailing != nil:
		return s.trailing, nil
	}
	end := s.Hdr.Off + s.Hdr.Size
	if end > uint64(len(t.Contents)) || end < s.Hdr.Off {
		return nil, outcome.Malformedf("section %s out of bounds", s.Name)
	}
	return t.Contents[s.Hdr.Off:end], nil
}

func (t *TargetBin) ownedSections() []*Section {
	var owned []*Section
	for _, s := range t.Sections {
		if s.owned {
			owned = append(owned, s)
		}
	}
	sort.SliceStable(owned, func(i, j int) bool {
		return owned[i].Hdr.Addr < owned[j].Hdr.Addr
	})
	return owned
}

// place returns the first offset inside the injected segment where size
// bytes fit between the sections already there.
func (t *TargetBin) place(size uint64) uint64 {
	var cursor uint64
	for _, s := range t.ownedSections() {
		start := s.Hdr.Addr - t.seg.vaddr
		if c := alignUp(cursor, sectionAlign); c+size <= start {
			return c
		}
		if end := start + s.Hdr.Size; end > cursor {
			cursor = end
		}
	}
	return alignUp(cursor, sectionAlign)
}

// AddSection stores data in a new allocated section inside the injected
// segment, creating the segment on first use. The returned section carries
// the address assigned to it.
func (t *TargetBin) AddSection(name string, data []byte) (*Section, error) {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, errors.Errorf("invalid section name %q", name)
	}
	if t.seg == nil {
		if err := t.ptNoteToPtLoad(); err != nil {
			return nil, err
		}
	}

	size := uint64(len(data))
	rel := t.place(size)
	if need := rel + size; need > uint64(len(t.seg.data)) {
		t.seg.data = append(t.seg.data, make([]byte, need-uint64(len(t.seg.data)))...)
	}
	copy(t.seg.data[rel:], data)

	s := &Section{
		Name:  name,
		owned: true,
		Hdr: elf.Section64{
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC),
			Addr:      t.seg.vaddr + rel,
			Off:       t.seg.off + rel,
			Size:      size,
			Addralign: sectionAlign,
		},
	}
	t.Sections = append(t.Sections, s)
	log.Debugf("[+] Added section %s @ 0x%x (0x%x bytes)", name, s.Hdr.Addr, size)
	return s, nil
}

// RemoveSection drops a section this package created earlier. Its bytes are
// cleared and the segment tail is trimmed; other sections keep their
// addresses.
func (t *TargetBin) RemoveSection(name string) error {
	ndx := t.sectionIndex(name)
	if ndx < 0 {
		return errors.Errorf("no section named %s", name)
	}
	s := t.Sections[ndx]
	if !s.owned {
		return errors.Wrap(ErrForeignSection, name)
	}

	rel := s.Hdr.Addr - t.seg.vaddr
	if rel+s.Hdr.Size > uint64(len(t.seg.data)) {
		return outcome.Inconsistentf("section %s overruns the injected segment", name)
	}
	clear(t.seg.data[rel : rel+s.Hdr.Size])

	t.Sections = append(t.Sections[:ndx], t.Sections[ndx+1:]...)
	for _, o := range t.Sections {
		if o.Hdr.Link > uint32(ndx) {
			o.Hdr.Link--
		}
		infoIsIndex := o.Hdr.Flags&uint64(elf.SHF_INFO_LINK) != 0 ||
			elf.SectionType(o.Hdr.Type) == elf.SHT_REL || elf.SectionType(o.Hdr.Type) == elf.SHT_RELA
		if infoIsIndex && o.Hdr.Info > uint32(ndx) {
			o.Hdr.Info--
		}
	}

	var end uint64
	for _, o := range t.ownedSections() {
		if e := o.Hdr.Addr - t.seg.vaddr + o.Hdr.Size; e > end {
			end = e
		}
	}
	t.seg.data = t.seg.data[:end]
	log.Debugf("[+] Removed section %s, injected segment now 0x%x bytes", name, end)
	return nil
}
