package messaging

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of ErrValidation, ErrNotFound, ErrForbidden.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsForbidden(err error) bool  { return errors.Is(err, ErrForbidden) }

func validation(op, msg string) error { return OpError{Op: op, Kind: ErrValidation, Msg: msg} }
func notFound(op, msg string) error   { return OpError{Op: op, Kind: ErrNotFound, Msg: msg} }
func forbidden(op, msg string) error  { return OpError{Op: op, Kind: ErrForbidden, Msg: msg} }
