package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the backing medium could not be reached.
	ErrUnavailable = errors.New("store unavailable")
	// ErrCorrupt means the backing medium was reached but could not be parsed.
	ErrCorrupt  = errors.New("store corrupt")
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid argument")
)

// StoreError carries the failing operation, its kind (one of the sentinels
// above) and the underlying cause.
type StoreError struct {
	Op   string
	Kind error
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == e.Kind
}

func Unavailable(op string, err error) error {
	return &StoreError{Op: op, Kind: ErrUnavailable, Err: err}
}

func Corrupt(op string, err error) error {
	return &StoreError{Op: op, Kind: ErrCorrupt, Err: err}
}

func NotFound(op, format string, args ...any) error {
	return &StoreError{Op: op, Kind: ErrNotFound, Err: fmt.Errorf(format, args...)}
}

func Invalid(op, format string, args ...any) error {
	return &StoreError{Op: op, Kind: ErrInvalid, Err: fmt.Errorf(format, args...)}
}

// KindOf reports which sentinel err matches, or nil for foreign errors.
func KindOf(err error) error {
	for _, kind := range []error{ErrInvalid, ErrNotFound, ErrCorrupt, ErrUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
