// Package injector routes an injection request to the injector for the
// target's executable format.
package injector

import (
	"github.com/pkg/errors"

	"github.com/sad0p/postject/config"
	"github.com/sad0p/postject/elfinject"
	"github.com/sad0p/postject/format"
	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
	"github.com/sad0p/postject/machoinject"
	"github.com/sad0p/postject/peinject"
)

var ErrInvalidRequest = errors.New("invalid injection request")

type Status int

const (
	Inserted Status = iota
	AlreadyExists
	UnsupportedFormat
	Fatal
)

func (s Status) String() string {
	switch s {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already exists"
	case UnsupportedFormat:
		return "unsupported format"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

type Request struct {
	Path         string
	ResourceName string
	Data         []byte
	Overwrite    bool
	// MachoSegmentName defaults to config.DefaultMachoSegmentName.
	MachoSegmentName string
}

type Result struct {
	Status Status
	Format format.Format
	// Name is the resource name after the format's naming convention.
	Name string
	// Segment is the Mach-O segment used, empty for other formats.
	Segment string
}

// Inject detects the format of req.Path and injects req.Data into it. The
// file is written only when the result is Inserted.
func Inject(req Request) (Result, error) {
	if req.Path == "" || req.ResourceName == "" {
		return Result{Status: Fatal}, errors.Wrap(ErrInvalidRequest, "path and resource name are required")
	}

	f, err := format.Detect(req.Path)
	if err != nil {
		return Result{Status: Fatal}, err
	}
	res := Result{Format: f, Name: format.NormalizeName(f, req.ResourceName)}

	var out outcome.Outcome
	switch f {
	case format.ELF:
		log.Debugf("[+] %s is ELF, injecting section %s", req.Path, res.Name)
		out, err = elfinject.Inject(req.Path, res.Name, req.Data, req.Overwrite)
	case format.MachO:
		res.Segment = req.MachoSegmentName
		if res.Segment == "" {
			res.Segment = config.DefaultMachoSegmentName
		}
		log.Debugf("[+] %s is Mach-O, injecting section %s,%s", req.Path, res.Segment, res.Name)
		out, err = machoinject.Inject(req.Path, res.Segment, res.Name, req.Data, req.Overwrite)
	case format.PE:
		log.Debugf("[+] %s is PE, injecting resource %s", req.Path, res.Name)
		out, err = peinject.Inject(req.Path, res.Name, req.Data, req.Overwrite)
	default:
		res.Status = UnsupportedFormat
		return res, nil
	}

	if err != nil {
		res.Status = Fatal
		return res, errors.Wrapf(err, "inject into %s %s", f, req.Path)
	}
	if out == outcome.AlreadyExists {
		res.Status = AlreadyExists
	} else {
		res.Status = Inserted
	}
	return res, nil
}
