package peinject

import (
	"debug/pe"
	"encoding/binary"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/sad0p/postject/internal/outcome"
)

const (
	// RTRCData is the RT_RCDATA resource type.
	RTRCData = 10

	highBit       = 0x80000000
	dirHeaderSize = 16
	dirEntrySize  = 8
	dataEntrySize = 16
	treeDepth     = 3
	blobAlign     = 8
)

// Key identifies a resource directory entry by numeric id or by name.
type Key struct {
	ID    uint32
	Name  string
	Named bool
}

func IDKey(id uint32) Key { return Key{ID: id} }

func NameKey(name string) Key { return Key{Name: name, Named: true} }

func (k Key) equal(o Key) bool { return k.Named == o.Named && k.ID == o.ID && k.Name == o.Name }

// less orders named entries before id entries, as the loader expects.
func (k Key) less(o Key) bool {
	if k.Named != o.Named {
		return k.Named
	}
	if k.Named {
		ku, ou := strings.ToUpper(k.Name), strings.ToUpper(o.Name)
		if ku != ou {
			return ku < ou
		}
		return k.Name < o.Name
	}
	return k.ID < o.ID
}

type dirHeader struct {
	Characteristics uint32
	TimeDateStamp   uint32
	MajorVersion    uint16
	MinorVersion    uint16
}

type LangNode struct {
	ID       uint32
	CodePage uint32
	Data     []byte
	// RVA the data was read from, zero until the tree is written.
	RVA uint32
}

type NameNode struct {
	Key   Key
	hdr   dirHeader
	Langs []*LangNode
}

type TypeNode struct {
	Key   Key
	hdr   dirHeader
	Names []*NameNode
}

// ResourceTree is the three level Type/Name/Language resource directory.
type ResourceTree struct {
	hdr   dirHeader
	Types []*TypeNode
}

func (t *ResourceTree) typeNode(k Key) *TypeNode {
	for _, n := range t.Types {
		if n.Key.equal(k) {
			return n
		}
	}
	return nil
}

func (tn *TypeNode) nameNode(k Key) *NameNode {
	for _, n := range tn.Names {
		if n.Key.equal(k) {
			return n
		}
	}
	return nil
}

// Lookup returns the first language leaf under typ/name, or nil.
func (t *ResourceTree) Lookup(typ, name Key) *LangNode {
	tn := t.typeNode(typ)
	if tn == nil {
		return nil
	}
	nn := tn.nameNode(name)
	if nn == nil || len(nn.Langs) == 0 {
		return nil
	}
	return nn.Langs[0]
}

// Put stores data under typ/name. An existing name is only touched when
// overwrite is set, and then only its first language leaf is replaced,
// keeping that leaf's language and code page. New nodes are built leaf first
// and attached to their parent once.
func (t *ResourceTree) Put(typ, name Key, data []byte, overwrite bool) bool {
	tn := t.typeNode(typ)
	var nn *NameNode
	if tn != nil {
		nn = tn.nameNode(name)
	}
	if nn != nil && len(nn.Langs) > 0 && !overwrite {
		return false
	}

	leaf := &LangNode{Data: data}
	switch {
	case nn != nil && len(nn.Langs) > 0:
		leaf.ID, leaf.CodePage = nn.Langs[0].ID, nn.Langs[0].CodePage
		nn.Langs[0] = leaf
	case nn != nil:
		nn.Langs = []*LangNode{leaf}
	case tn != nil:
		tn.Names = append(tn.Names, &NameNode{Key: name, Langs: []*LangNode{leaf}})
	default:
		t.Types = append(t.Types, &TypeNode{Key: typ, Names: []*NameNode{{Key: name, Langs: []*LangNode{leaf}}}})
	}
	t.sort()
	return true
}

func (t *ResourceTree) sort() {
	sort.SliceStable(t.Types, func(i, j int) bool { return t.Types[i].Key.less(t.Types[j].Key) })
	for _, tn := range t.Types {
		sort.SliceStable(tn.Names, func(i, j int) bool { return tn.Names[i].Key.less(tn.Names[j].Key) })
		for _, nn := range tn.Names {
			sort.SliceStable(nn.Langs, func(i, j int) bool { return nn.Langs[i].ID < nn.Langs[j].ID })
		}
	}
}

type rawEntry struct {
	key    Key
	target uint32
	isDir  bool
}

// resourceParser reads a resource directory laid out from the start of rsrc.
type resourceParser struct {
	img  *image
	rsrc []byte
}

func (img *image) resources() (*ResourceTree, error) {
	dir := img.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE)
	if dir.VirtualAddress == 0 {
		return &ResourceTree{}, nil
	}
	rsrc, err := img.rvaSlice(dir.VirtualAddress)
	if err != nil {
		return nil, err
	}
	p := &resourceParser{img: img, rsrc: rsrc}

	t := &ResourceTree{}
	var entries []rawEntry
	if t.hdr, entries, err = p.directory(0); err != nil {
		return nil, err
	}
	for _, te := range entries {
		if !te.isDir {
			return nil, outcome.Malformedf("resource type entry is not a directory")
		}
		tn := &TypeNode{Key: te.key}
		var names []rawEntry
		if tn.hdr, names, err = p.directory(te.target); err != nil {
			return nil, err
		}
		for _, ne := range names {
			if !ne.isDir {
				return nil, outcome.Malformedf("resource name entry is not a directory")
			}
			nn := &NameNode{Key: ne.key}
			var langs []rawEntry
			if nn.hdr, langs, err = p.directory(ne.target); err != nil {
				return nil, err
			}
			for _, le := range langs {
				if le.isDir {
					return nil, outcome.Malformedf("resource tree deeper than %d levels", treeDepth)
				}
				leaf, err := p.leaf(le)
				if err != nil {
					return nil, err
				}
				nn.Langs = append(nn.Langs, leaf)
			}
			tn.Names = append(tn.Names, nn)
		}
		t.Types = append(t.Types, tn)
	}
	return t, nil
}

func (p *resourceParser) bounds(off, n uint32) error {
	if uint64(off)+uint64(n) > uint64(len(p.rsrc)) {
		return outcome.Malformedf("resource data at 0x%x+0x%x out of bounds", off, n)
	}
	return nil
}

func (p *resourceParser) directory(off uint32) (dirHeader, []rawEntry, error) {
	var h dirHeader
	if err := p.bounds(off, dirHeaderSize); err != nil {
		return h, nil, err
	}
	le := binary.LittleEndian
	b := p.rsrc[off:]
	h = dirHeader{
		Characteristics: le.Uint32(b),
		TimeDateStamp:   le.Uint32(b[4:]),
		MajorVersion:    le.Uint16(b[8:]),
		MinorVersion:    le.Uint16(b[10:]),
	}
	n := uint32(le.Uint16(b[12:])) + uint32(le.Uint16(b[14:]))
	if err := p.bounds(off+dirHeaderSize, n*dirEntrySize); err != nil {
		return h, nil, err
	}

	entries := make([]rawEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		e := p.rsrc[off+dirHeaderSize+i*dirEntrySize:]
		name, target := le.Uint32(e), le.Uint32(e[4:])
		re := rawEntry{target: target &^ highBit, isDir: target&highBit != 0}
		if name&highBit != 0 {
			s, err := p.string(name &^ highBit)
			if err != nil {
				return h, nil, err
			}
			re.key = NameKey(s)
		} else {
			re.key = IDKey(name)
		}
		entries = append(entries, re)
	}
	return h, entries, nil
}

func (p *resourceParser) string(off uint32) (string, error) {
	if err := p.bounds(off, 2); err != nil {
		return "", err
	}
	n := uint32(binary.LittleEndian.Uint16(p.rsrc[off:]))
	if err := p.bounds(off+2, n*2); err != nil {
		return "", err
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(p.rsrc[off+2+uint32(i)*2:])
	}
	return string(utf16.Decode(units)), nil
}

func (p *resourceParser) leaf(e rawEntry) (*LangNode, error) {
	if err := p.bounds(e.target, dataEntrySize); err != nil {
		return nil, err
	}
	b := p.rsrc[e.target:]
	rva, size := binary.LittleEndian.Uint32(b), binary.LittleEndian.Uint32(b[4:])
	leaf := &LangNode{ID: e.key.ID, CodePage: binary.LittleEndian.Uint32(b[8:]), RVA: rva}
	if size == 0 {
		leaf.Data = []byte{}
		return leaf, nil
	}
	data, err := p.img.rvaSlice(rva)
	if err != nil {
		return nil, err
	}
	if uint64(size) > uint64(len(data)) {
		return nil, outcome.Malformedf("resource data at rva 0x%x truncated", rva)
	}
	leaf.Data = append([]byte(nil), data[:size]...)
	return leaf, nil
}

// Marshal lays the tree out for a section mapped at rva: every directory
// breadth first, then the data entries, then name strings, then the data
// blobs on 8 byte boundaries.
func (t *ResourceTree) Marshal(rva uint32) []byte {
	t.sort()

	var cursor uint32
	reserve := func(n uint32) uint32 {
		at := cursor
		cursor += n
		return at
	}
	dirSize := func(n int) uint32 { return dirHeaderSize + uint32(n)*dirEntrySize }

	reserve(dirSize(len(t.Types)))
	typeOffs := make([]uint32, len(t.Types))
	for i, tn := range t.Types {
		typeOffs[i] = reserve(dirSize(len(tn.Names)))
	}
	nameOffs := make([][]uint32, len(t.Types))
	for i, tn := range t.Types {
		for _, nn := range tn.Names {
			nameOffs[i] = append(nameOffs[i], reserve(dirSize(len(nn.Langs))))
		}
	}
	leafOffs := map[*LangNode]uint32{}
	for _, tn := range t.Types {
		for _, nn := range tn.Names {
			for _, ln := range nn.Langs {
				leafOffs[ln] = reserve(dataEntrySize)
			}
		}
	}
	strOffs := map[string]uint32{}
	addString := func(k Key) {
		if _, ok := strOffs[k.Name]; k.Named && !ok {
			strOffs[k.Name] = reserve(2 + 2*uint32(len(utf16.Encode([]rune(k.Name)))))
		}
	}
	for _, tn := range t.Types {
		addString(tn.Key)
		for _, nn := range tn.Names {
			addString(nn.Key)
		}
	}
	blobOffs := map[*LangNode]uint32{}
	for _, tn := range t.Types {
		for _, nn := range tn.Names {
			for _, ln := range nn.Langs {
				cursor = alignUp(cursor, blobAlign)
				blobOffs[ln] = reserve(uint32(len(ln.Data)))
			}
		}
	}
	cursor = alignUp(cursor, blobAlign)

	out := make([]byte, cursor)
	le := binary.LittleEndian
	keyField := func(k Key) uint32 {
		if k.Named {
			return highBit | strOffs[k.Name]
		}
		return k.ID
	}
	writeDir := func(off uint32, h dirHeader, keys []Key, targets []uint32) {
		b := out[off:]
		le.PutUint32(b, h.Characteristics)
		le.PutUint32(b[4:], h.TimeDateStamp)
		le.PutUint16(b[8:], h.MajorVersion)
		le.PutUint16(b[10:], h.MinorVersion)
		var named uint16
		for _, k := range keys {
			if k.Named {
				named++
			}
		}
		le.PutUint16(b[12:], named)
		le.PutUint16(b[14:], uint16(len(keys))-named)
		for i, k := range keys {
			le.PutUint32(b[dirHeaderSize+i*dirEntrySize:], keyField(k))
			le.PutUint32(b[dirHeaderSize+i*dirEntrySize+4:], targets[i])
		}
	}

	var keys []Key
	var targets []uint32
	for i, tn := range t.Types {
		keys = append(keys, tn.Key)
		targets = append(targets, highBit|typeOffs[i])
	}
	writeDir(0, t.hdr, keys, targets)

	for i, tn := range t.Types {
		keys, targets = keys[:0], targets[:0]
		for j, nn := range tn.Names {
			keys = append(keys, nn.Key)
			targets = append(targets, highBit|nameOffs[i][j])
		}
		writeDir(typeOffs[i], tn.hdr, keys, targets)

		for j, nn := range tn.Names {
			keys, targets = keys[:0], targets[:0]
			for _, ln := range nn.Langs {
				keys = append(keys, IDKey(ln.ID))
				targets = append(targets, leafOffs[ln])

				e := out[leafOffs[ln]:]
				le.PutUint32(e, rva+blobOffs[ln])
				le.PutUint32(e[4:], uint32(len(ln.Data)))
				le.PutUint32(e[8:], ln.CodePage)
				copy(out[blobOffs[ln]:], ln.Data)
			}
			writeDir(nameOffs[i][j], nn.hdr, keys, targets)
		}
	}

	for s, off := range strOffs {
		units := utf16.Encode([]rune(s))
		le.PutUint16(out[off:], uint16(len(units)))
		for i, u := range units {
			le.PutUint16(out[off+2+uint32(i)*2:], u)
		}
	}
	return out
}

// ReadResources parses the resource directory of a PE image.
func ReadResources(contents []byte) (*ResourceTree, error) {
	img, err := parseImage(contents)
	if err != nil {
		return nil, err
	}
	return img.resources()
}
