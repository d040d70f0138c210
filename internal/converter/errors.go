package converter

import (
	"errors"
	"fmt"

	"zigbee-tuya-bridge/internal/transform"
)

var (
	// ErrUnknownField is returned when encoding a field no converter owns.
	ErrUnknownField = errors.New("unknown field")
	// ErrReadOnly is returned when encoding a field that is not writable.
	ErrReadOnly = errors.New("field is read-only")
	// ErrOutOfDomain is returned when a value cannot be encoded.
	ErrOutOfDomain = transform.ErrOutOfDomain

	ErrDuplicateDP   = errors.New("duplicate dp")
	ErrDuplicateName = errors.New("duplicate name")
	ErrInvalidEntry  = errors.New("invalid entry")

	// ErrUnknownConverter is returned by the registry for an unregistered name.
	ErrUnknownConverter = errors.New("unknown converter")
)

// SchemaError reports a rejected schema entry.
type SchemaError struct {
	Index int
	DP    uint8
	Name  string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema entry %d (dp %d, %q): %v", e.Index, e.DP, e.Name, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func domainErr(field string, value any, want string) error {
	return fmt.Errorf("%s: %w", field, &transform.DomainError{Op: "encode", Value: value, Want: want})
}
