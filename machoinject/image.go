package machoinject

import (
	"bytes"
	"debug/macho"
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
)

const (
	linkeditName = "__LINKEDIT"

	protRead = types.VmProtection(1)

	segment32Size = 56
	segment64Size = 72
	section32Size = 68
	section64Size = 80

	sectionAlign = 3 // 2^3
	zerofillMask = 0xff
)

var (
	ErrNoLoadCommandSpace   = errors.New("not enough room for another load command")
	ErrSegmentNotExtendable = errors.New("segment cannot be extended in place")
)

type section struct {
	hdr  macho.Section64
	data []byte
}

func (s *section) name() string { return cstring(s.hdr.Name[:]) }
func (s *section) zerofill() bool {
	switch s.hdr.Flags & zerofillMask {
	case 0x1, 0xc, 0x12: // S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL
		return true
	}
	return false
}

// segment is an LC_SEGMENT or LC_SEGMENT_64 widened to 64 bits.
type segment struct {
	hdr      types.Segment64
	sections []*section
}

func (s *segment) name() string { return cstring(s.hdr.Name[:]) }

func (s *segment) section(name string) int {
	for i, sect := range s.sections {
		if sect.name() == name {
			return i
		}
	}
	return -1
}

type loadCmd struct {
	cmd types.LoadCmd
	raw []byte
	seg *segment
}

// image is one thin Mach-O file.
type image struct {
	order    binary.ByteOrder
	is64     bool
	cpu      uint32
	hdrSize  int
	cmds     []*loadCmd
	data     []byte
	pageSize uint64
	// end of the load command area as found in the file
	origCmdsEnd int
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func name16(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

func parseImage(contents []byte) (*image, error) {
	order, is64, ok := thinMagic(contents)
	if !ok {
		return nil, outcome.Malformedf("not a Mach-O image")
	}
	img := &image{
		order: order,
		is64:  is64,
		data:  append([]byte(nil), contents...),
	}
	img.hdrSize = 28
	if img.is64 {
		img.hdrSize = 32
	}
	if len(img.data) < img.hdrSize {
		return nil, outcome.Malformedf("truncated Mach-O header")
	}

	img.cpu = img.order.Uint32(img.data[4:])
	img.pageSize = 0x1000
	if img.cpu&0xffffff == 12 { // CPU_TYPE_ARM, arm64 and arm64_32
		img.pageSize = 0x4000
	}

	ncmds := img.order.Uint32(img.data[16:])
	sizeofcmds := img.order.Uint32(img.data[20:])
	end := uint64(img.hdrSize) + uint64(sizeofcmds)
	if end > uint64(len(img.data)) {
		return nil, outcome.Malformedf("load commands run past the end of the file")
	}
	img.origCmdsEnd = int(end)

	off := uint64(img.hdrSize)
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > end {
			return nil, outcome.Malformedf("load command %d truncated", i)
		}
		cmd := types.LoadCmd(img.order.Uint32(img.data[off:]))
		size := uint64(img.order.Uint32(img.data[off+4:]))
		if size < 8 || off+size > end {
			return nil, outcome.Malformedf("load command %d has bad size %d", i, size)
		}
		lc := &loadCmd{cmd: cmd, raw: append([]byte(nil), img.data[off:off+size]...)}

		switch cmd {
		case types.LC_SEGMENT_64, types.LC_SEGMENT:
			seg, err := img.decodeSegment(lc.raw)
			if err != nil {
				return nil, err
			}
			lc.seg = seg
		}
		img.cmds = append(img.cmds, lc)
		off += size
	}
	return img, nil
}

func (img *image) decodeSegment(raw []byte) (*segment, error) {
	r := bytes.NewReader(raw)
	seg := &segment{}

	if types.LoadCmd(img.order.Uint32(raw)) == types.LC_SEGMENT_64 {
		if err := binary.Read(r, img.order, &seg.hdr); err != nil {
			return nil, outcome.Malformedf("segment command: %v", err)
		}
		if uint64(len(raw)) < segment64Size+uint64(seg.hdr.Nsect)*section64Size {
			return nil, outcome.Malformedf("segment %s truncated", seg.name())
		}
		for i := uint32(0); i < seg.hdr.Nsect; i++ {
			s := &section{}
			if err := binary.Read(r, img.order, &s.hdr); err != nil {
				return nil, outcome.Malformedf("section header: %v", err)
			}
			seg.sections = append(seg.sections, s)
		}
		return seg, nil
	}

	var s32 types.Segment32
	if err := binary.Read(r, img.order, &s32); err != nil {
		return nil, outcome.Malformedf("segment command: %v", err)
	}
	if uint64(len(raw)) < segment32Size+uint64(s32.Nsect)*section32Size {
		return nil, outcome.Malformedf("segment truncated")
	}
	seg.hdr = types.Segment64{
		LoadCmd: types.LC_SEGMENT,
		Len:     s32.Len,
		Name:    s32.Name,
		Addr:    uint64(s32.Addr),
		Memsz:   uint64(s32.Memsz),
		Offset:  uint64(s32.Offset),
		Filesz:  uint64(s32.Filesz),
		Maxprot: s32.Maxprot,
		Prot:    s32.Prot,
		Nsect:   s32.Nsect,
		Flag:    s32.Flag,
	}
	for i := uint32(0); i < s32.Nsect; i++ {
		var h macho.Section32
		if err := binary.Read(r, img.order, &h); err != nil {
			return nil, outcome.Malformedf("section header: %v", err)
		}
		seg.sections = append(seg.sections, &section{hdr: macho.Section64{
			Name:     h.Name,
			Seg:      h.Seg,
			Addr:     uint64(h.Addr),
			Size:     uint64(h.Size),
			Offset:   h.Offset,
			Align:    h.Align,
			Reloff:   h.Reloff,
			Nreloc:   h.Nreloc,
			Flags:    h.Flags,
			Reserve1: h.Reserve1,
			Reserve2: h.Reserve2,
		}})
	}
	return seg, nil
}

func (img *image) encodeSegment(seg *segment) ([]byte, error) {
	buf := new(bytes.Buffer)
	seg.hdr.Nsect = uint32(len(seg.sections))

	if img.is64 {
		seg.hdr.LoadCmd = types.LC_SEGMENT_64
		seg.hdr.Len = segment64Size + seg.hdr.Nsect*section64Size
		if err := binary.Write(buf, img.order, seg.hdr); err != nil {
			return nil, err
		}
		for _, s := range seg.sections {
			if err := binary.Write(buf, img.order, s.hdr); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	}

	h := seg.hdr
	if h.Addr > 0xffffffff || h.Memsz > 0xffffffff || h.Offset > 0xffffffff || h.Filesz > 0xffffffff {
		return nil, errors.Errorf("segment %s does not fit a 32-bit image", seg.name())
	}
	s32 := types.Segment32{
		LoadCmd: types.LC_SEGMENT,
		Len:     segment32Size + h.Nsect*section32Size,
		Name:    h.Name,
		Addr:    uint32(h.Addr),
		Memsz:   uint32(h.Memsz),
		Offset:  uint32(h.Offset),
		Filesz:  uint32(h.Filesz),
		Maxprot: h.Maxprot,
		Prot:    h.Prot,
		Nsect:   h.Nsect,
		Flag:    h.Flag,
	}
	if err := binary.Write(buf, img.order, s32); err != nil {
		return nil, err
	}
	for _, s := range seg.sections {
		sh := macho.Section32{
			Name:     s.hdr.Name,
			Seg:      s.hdr.Seg,
			Addr:     uint32(s.hdr.Addr),
			Size:     uint32(s.hdr.Size),
			Offset:   s.hdr.Offset,
			Align:    s.hdr.Align,
			Reloff:   s.hdr.Reloff,
			Nreloc:   s.hdr.Nreloc,
			Flags:    s.hdr.Flags,
			Reserve1: s.hdr.Reserve1,
			Reserve2: s.hdr.Reserve2,
		}
		if err := binary.Write(buf, img.order, sh); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (img *image) segment(name string) *segment {
	for _, c := range img.cmds {
		if c.seg != nil && c.seg.name() == name {
			return c.seg
		}
	}
	return nil
}

func (img *image) cmdIndex(seg *segment) int {
	for i, c := range img.cmds {
		if c.seg == seg {
			return i
		}
	}
	return -1
}

// hasSection reports whether segName,sectName exists.
func (img *image) hasSection(segName, sectName string) bool {
	seg := img.segment(segName)
	return seg != nil && seg.section(sectName) >= 0
}

// putSection stores data as segName,sectName. The segment is created right
// before __LINKEDIT when missing; an existing one must already sit there.
// A section of the same name is replaced.
func (img *image) putSection(segName, sectName string, data []byte) error {
	le := img.segment(linkeditName)
	if le == nil {
		return outcome.Malformedf("no %s segment", linkeditName)
	}
	for _, c := range img.cmds {
		if c.seg == nil || c.seg == le {
			continue
		}
		if c.seg.hdr.Filesz > 0 && c.seg.hdr.Offset+c.seg.hdr.Filesz > le.hdr.Offset ||
			c.seg.hdr.Addr+c.seg.hdr.Memsz > le.hdr.Addr {
			return outcome.Malformedf("%s is not the last segment", linkeditName)
		}
	}
	oldLEOffset := le.hdr.Offset

	seg := img.segment(segName)
	if seg == nil {
		seg = &segment{hdr: types.Segment64{
			Name:    name16(segName),
			Addr:    le.hdr.Addr,
			Offset:  le.hdr.Offset,
			Maxprot: protRead,
			Prot:    protRead,
		}}
		at := img.cmdIndex(le)
		lc := &loadCmd{cmd: types.LC_SEGMENT_64, seg: seg}
		if !img.is64 {
			lc.cmd = types.LC_SEGMENT
		}
		img.cmds = append(img.cmds[:at], append([]*loadCmd{lc}, img.cmds[at:]...)...)
		log.Debugf("[+] Creating segment %s before %s @ 0x%x", segName, linkeditName, seg.hdr.Addr)
	} else {
		if seg.hdr.Offset+seg.hdr.Filesz != le.hdr.Offset || seg.hdr.Addr+seg.hdr.Memsz != le.hdr.Addr ||
			seg.hdr.Maxprot != protRead || seg.hdr.Prot != protRead {
			return errors.Wrap(ErrSegmentNotExtendable, segName)
		}
		for _, s := range seg.sections {
			if s.zerofill() {
				return errors.Wrapf(ErrSegmentNotExtendable, "%s has zero-fill section %s", segName, s.name())
			}
			end := uint64(s.hdr.Offset) + s.hdr.Size
			if end > uint64(len(img.data)) {
				return outcome.Malformedf("section %s out of bounds", s.name())
			}
			s.data = img.data[s.hdr.Offset:end]
		}
		if i := seg.section(sectName); i >= 0 {
			seg.sections = append(seg.sections[:i], seg.sections[i+1:]...)
			log.Debugf("[+] Removed section %s,%s", segName, sectName)
		}
	}

	seg.sections = append(seg.sections, &section{
		hdr: macho.Section64{
			Name:  name16(sectName),
			Seg:   name16(segName),
			Size:  uint64(len(data)),
			Align: sectionAlign,
		},
		data: data,
	})

	// lay the segment out again and move __LINKEDIT behind it
	contents := []byte{}
	for _, s := range seg.sections {
		contents = padTo(contents, alignUp(uint64(len(contents)), 1<<s.hdr.Align))
		s.hdr.Offset = uint32(seg.hdr.Offset + uint64(len(contents)))
		s.hdr.Addr = seg.hdr.Addr + uint64(len(contents))
		contents = append(contents, s.data...)
	}
	seg.hdr.Filesz = alignUp(uint64(len(contents)), img.pageSize)
	seg.hdr.Memsz = seg.hdr.Filesz
	contents = padTo(contents, seg.hdr.Filesz)

	leEnd := le.hdr.Offset + le.hdr.Filesz
	if leEnd > uint64(len(img.data)) {
		return outcome.Malformedf("%s out of bounds", linkeditName)
	}
	linkedit := img.data[le.hdr.Offset:leEnd]

	out := make([]byte, 0, seg.hdr.Offset+uint64(len(contents))+uint64(len(linkedit)))
	out = append(out, img.data[:seg.hdr.Offset]...)
	out = append(out, contents...)
	out = append(out, linkedit...)

	le.hdr.Offset = seg.hdr.Offset + seg.hdr.Filesz
	le.hdr.Addr = seg.hdr.Addr + seg.hdr.Memsz
	if err := img.shiftLinkedit(int64(le.hdr.Offset) - int64(oldLEOffset)); err != nil {
		return err
	}
	img.data = out

	log.Debugf("[+] Section %s,%s @ 0x%x (0x%x bytes), %s moved to 0x%x",
		segName, sectName, seg.sections[len(seg.sections)-1].hdr.Addr, len(data), linkeditName, le.hdr.Offset)
	return img.checkCommandSpace()
}

func padTo(b []byte, n uint64) []byte {
	if uint64(len(b)) >= n {
		return b
	}
	return append(b, make([]byte, n-uint64(len(b)))...)
}

func shift(v *uint32, delta int64) {
	if *v != 0 {
		*v = uint32(int64(*v) + delta)
	}
}

// shiftLinkedit moves every file offset that points into __LINKEDIT.
func (img *image) shiftLinkedit(delta int64) error {
	if delta == 0 {
		return nil
	}
	for _, c := range img.cmds {
		var v interface{}
		switch c.cmd {
		case types.LC_SYMTAB:
			cmd := new(types.SymtabCmd)
			v = cmd
			if err := img.decode(c, cmd); err != nil {
				return err
			}
			shift(&cmd.Symoff, delta)
			shift(&cmd.Stroff, delta)
		case types.LC_DYSYMTAB:
			cmd := new(types.DysymtabCmd)
			v = cmd
			if err := img.decode(c, cmd); err != nil {
				return err
			}
			shift(&cmd.Tocoffset, delta)
			shift(&cmd.Modtaboff, delta)
			shift(&cmd.Extrefsymoff, delta)
			shift(&cmd.Indirectsymoff, delta)
			shift(&cmd.Extreloff, delta)
			shift(&cmd.Locreloff, delta)
		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			cmd := new(types.DyldInfoCmd)
			v = cmd
			if err := img.decode(c, cmd); err != nil {
				return err
			}
			shift(&cmd.RebaseOff, delta)
			shift(&cmd.BindOff, delta)
			shift(&cmd.WeakBindOff, delta)
			shift(&cmd.LazyBindOff, delta)
			shift(&cmd.ExportOff, delta)
		case types.LC_CODE_SIGNATURE, types.LC_SEGMENT_SPLIT_INFO, types.LC_FUNCTION_STARTS,
			types.LC_DATA_IN_CODE, types.LC_DYLIB_CODE_SIGN_DRS, types.LC_LINKER_OPTIMIZATION_HINT,
			types.LC_DYLD_EXPORTS_TRIE, types.LC_DYLD_CHAINED_FIXUPS:
			cmd := new(types.LinkEditDataCmd)
			v = cmd
			if err := img.decode(c, cmd); err != nil {
				return err
			}
			shift(&cmd.Offset, delta)
		default:
			continue
		}
		if err := img.encode(c, v); err != nil {
			return err
		}
	}
	return nil
}

func (img *image) decode(c *loadCmd, v interface{}) error {
	if len(c.raw) < binary.Size(v) {
		return outcome.Malformedf("load command %s truncated", c.cmd)
	}
	return binary.Read(bytes.NewReader(c.raw), img.order, v)
}

// encode writes v over the start of the raw command, keeping any padding.
func (img *image) encode(c *loadCmd, v interface{}) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, img.order, v); err != nil {
		return err
	}
	copy(c.raw, buf.Bytes())
	return nil
}

// removeSignature drops LC_CODE_SIGNATURE. A signature at the end of
// __LINKEDIT is cut off the file, anything else is zeroed.
func (img *image) removeSignature() error {
	le := img.segment(linkeditName)
	for i, c := range img.cmds {
		if c.cmd != types.LC_CODE_SIGNATURE {
			continue
		}
		sig := new(types.LinkEditDataCmd)
		if err := img.decode(c, sig); err != nil {
			return err
		}
		img.cmds = append(img.cmds[:i], img.cmds[i+1:]...)

		start, end := uint64(sig.Offset), uint64(sig.Offset)+uint64(sig.Size)
		if end > uint64(len(img.data)) {
			return outcome.Malformedf("code signature out of bounds")
		}
		if le != nil && end >= le.hdr.Offset+le.hdr.Filesz && start >= le.hdr.Offset {
			le.hdr.Filesz = start - le.hdr.Offset
			le.hdr.Memsz = alignUp(le.hdr.Filesz, img.pageSize)
			img.data = img.data[:start]
		} else {
			clear(img.data[start:end])
		}
		log.Warnf("[!] Removed code signature (0x%x bytes @ 0x%x), the file has to be signed again", sig.Size, sig.Offset)
		return nil
	}
	return nil
}

// checkCommandSpace makes sure the load commands still end before the first
// byte of section data.
func (img *image) checkCommandSpace() error {
	need := uint64(img.hdrSize)
	for _, c := range img.cmds {
		if c.seg != nil {
			need += img.segmentCmdSize(c.seg)
			continue
		}
		need += uint64(len(c.raw))
	}

	limit := uint64(len(img.data))
	for _, c := range img.cmds {
		if c.seg == nil {
			continue
		}
		for _, s := range c.seg.sections {
			if s.zerofill() || s.hdr.Offset == 0 {
				continue
			}
			if uint64(s.hdr.Offset) < limit {
				limit = uint64(s.hdr.Offset)
			}
		}
		if c.seg.name() != "__TEXT" && c.seg.hdr.Filesz > 0 && c.seg.hdr.Offset > 0 && c.seg.hdr.Offset < limit {
			limit = c.seg.hdr.Offset
		}
	}
	if need > limit {
		return errors.Wrapf(ErrNoLoadCommandSpace, "need 0x%x bytes, have 0x%x", need, limit)
	}
	return nil
}

func (img *image) segmentCmdSize(seg *segment) uint64 {
	if img.is64 {
		return segment64Size + uint64(len(seg.sections))*section64Size
	}
	return segment32Size + uint64(len(seg.sections))*section32Size
}

// bytes writes the load commands back and returns the image.
func (img *image) bytes() ([]byte, error) {
	cmds := new(bytes.Buffer)
	for _, c := range img.cmds {
		if c.seg != nil {
			raw, err := img.encodeSegment(c.seg)
			if err != nil {
				return nil, err
			}
			c.raw = raw
		}
		cmds.Write(c.raw)
	}

	end := img.hdrSize + cmds.Len()
	if end > len(img.data) {
		return nil, ErrNoLoadCommandSpace
	}
	if img.origCmdsEnd > end {
		clear(img.data[end:img.origCmdsEnd])
	}
	copy(img.data[img.hdrSize:], cmds.Bytes())
	img.order.PutUint32(img.data[16:], uint32(len(img.cmds)))
	img.order.PutUint32(img.data[20:], uint32(cmds.Len()))
	return img.data, nil
}
