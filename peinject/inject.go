package peinject

import (
	"debug/pe"
	"math"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/binfile"
	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
)

const (
	rsrcSection  = ".rsrc"
	stagingLabel = ".l2"

	rsrcCharacteristics = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
)

// Inject stores data as an RT_RCDATA resource named resourceName in the PE
// file at path. The resource section is rebuilt and moved to the end of the
// image. The Authenticode signature and any overlay are dropped. With
// overwrite unset an existing resource yields AlreadyExists and the file is
// left alone.
func Inject(path, resourceName string, data []byte, overwrite bool) (outcome.Outcome, error) {
	contents, err := binfile.Read(path)
	if err != nil {
		return 0, err
	}

	out, res, err := inject(contents, resourceName, data, overwrite)
	if err != nil || res != outcome.Inserted {
		return res, err
	}
	if err := binfile.Write(path, out); err != nil {
		return 0, err
	}
	return outcome.Inserted, nil
}

func inject(contents []byte, resourceName string, data []byte, overwrite bool) ([]byte, outcome.Outcome, error) {
	if resourceName == "" {
		return nil, 0, errors.New("empty resource name")
	}
	if uint64(len(data)) > math.MaxUint32 {
		return nil, 0, errors.Errorf("resource of %d bytes is too large", len(data))
	}

	img, err := parseImage(contents)
	if err != nil {
		return nil, 0, err
	}
	tree, err := img.resources()
	if err != nil {
		return nil, 0, err
	}

	if !tree.Put(IDKey(RTRCData), NameKey(resourceName), data, overwrite) {
		return nil, outcome.AlreadyExists, nil
	}

	staged, err := stageResources(img, tree)
	if err != nil {
		return nil, 0, err
	}
	out, err := finalizeResources(staged)
	if err != nil {
		return nil, 0, err
	}
	log.Debugf("[+] RT_RCDATA/%s written (0x%x bytes)", resourceName, len(data))
	return out, outcome.Inserted, nil
}

// stageResources drops the old resource section and appends the rebuilt tree
// under a temporary label.
func stageResources(img *image, tree *ResourceTree) ([]byte, error) {
	if _, err := img.removeSection(rsrcSection); err != nil {
		return nil, err
	}

	raw := tree.Marshal(img.nextVA())
	sec, err := img.addSection(stagingLabel, raw, rsrcCharacteristics)
	if err != nil {
		return nil, err
	}
	if err := img.setDataDirectory(pe.IMAGE_DIRECTORY_ENTRY_RESOURCE, sec.hdr.VirtualAddress, uint32(len(raw))); err != nil {
		return nil, err
	}
	if sig := img.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_SECURITY); sig.Size != 0 {
		log.Warnf("[!] Dropped Authenticode signature (0x%x bytes), the file has to be signed again", sig.Size)
	}
	if err := img.setDataDirectory(pe.IMAGE_DIRECTORY_ENTRY_SECURITY, 0, 0); err != nil {
		return nil, err
	}
	return img.bytes()
}

// finalizeResources reloads the staged image and gives the rebuilt section
// its real name.
func finalizeResources(staged []byte) ([]byte, error) {
	img, err := parseImage(staged)
	if err != nil {
		return nil, err
	}
	i := img.sectionIndex(stagingLabel)
	if i < 0 {
		return nil, outcome.Inconsistentf("staged image lost section %s", stagingLabel)
	}
	s := img.sections[i]
	s.hdr.Name = [8]uint8{}
	copy(s.hdr.Name[:], rsrcSection)
	return img.bytes()
}
