// Package outcome holds the result values and fault sentinels shared by the
// format injectors.
package outcome

import "github.com/pkg/errors"

// Outcome is the non-error result of a single injection.
type Outcome int

const (
	Inserted Outcome = iota
	AlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already exists"
	}
	return "unknown"
}

var (
	// ErrMalformed marks input the binary model could not parse.
	ErrMalformed = errors.New("malformed executable")

	// ErrInconsistent marks a file whose injected metadata contradicts itself,
	// e.g. a directory entry without a matching section.
	ErrInconsistent = errors.New("internal consistency fault")
)

// Malformedf wraps ErrMalformed with a formatted reason.
func Malformedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

// Inconsistentf wraps ErrInconsistent with a formatted reason.
func Inconsistentf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInconsistent, format, args...)
}
