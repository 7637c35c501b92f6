package machoinject

import (
	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/binfile"
	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
)

const maxNameLen = 16

// Inject stores data as section sectionName of segment segmentName in every
// slice of the Mach-O file at path. Any code signature is removed since it no
// longer matches. If any slice already has the section and overwrite is
// unset, the result is AlreadyExists and the file is left alone.
func Inject(path, segmentName, sectionName string, data []byte, overwrite bool) (outcome.Outcome, error) {
	contents, err := binfile.Read(path)
	if err != nil {
		return 0, err
	}

	out, res, err := inject(contents, segmentName, sectionName, data, overwrite)
	if err != nil || res != outcome.Inserted {
		return res, err
	}
	if err := binfile.Write(path, out); err != nil {
		return 0, err
	}
	return outcome.Inserted, nil
}

func checkName(kind, name string) error {
	if name == "" || len(name) > maxNameLen {
		return errors.Errorf("%s name %q must be 1 to %d bytes", kind, name, maxNameLen)
	}
	return nil
}

func inject(contents []byte, segmentName, sectionName string, data []byte, overwrite bool) ([]byte, outcome.Outcome, error) {
	if err := checkName("segment", segmentName); err != nil {
		return nil, 0, err
	}
	if err := checkName("section", sectionName); err != nil {
		return nil, 0, err
	}
	if segmentName == linkeditName {
		return nil, 0, errors.Errorf("cannot inject into %s", linkeditName)
	}

	if !IsUniversal(contents) {
		return injectSlice(contents, segmentName, sectionName, data, overwrite)
	}

	archs, err := readFatArchs(contents)
	if err != nil {
		return nil, 0, err
	}
	slices := make([][]byte, len(archs))
	for i, e := range archs {
		log.Debugf("[+] Slice %d: %s @ 0x%x (0x%x bytes)", i, e.Cpu, e.Offset, e.Size)
		out, res, err := injectSlice(contents[e.Offset:e.Offset+e.Size], segmentName, sectionName, data, overwrite)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "slice %d", i)
		}
		if res == outcome.AlreadyExists {
			return nil, outcome.AlreadyExists, nil
		}
		slices[i] = out
	}

	out, err := writeFat(archs, slices)
	if err != nil {
		return nil, 0, err
	}
	return out, outcome.Inserted, nil
}

func injectSlice(contents []byte, segmentName, sectionName string, data []byte, overwrite bool) ([]byte, outcome.Outcome, error) {
	img, err := parseImage(contents)
	if err != nil {
		return nil, 0, err
	}

	if img.hasSection(segmentName, sectionName) && !overwrite {
		return nil, outcome.AlreadyExists, nil
	}

	if err := img.removeSignature(); err != nil {
		return nil, 0, err
	}
	if err := img.putSection(segmentName, sectionName, data); err != nil {
		return nil, 0, err
	}

	out, err := img.bytes()
	if err != nil {
		return nil, 0, err
	}
	return out, outcome.Inserted, nil
}
