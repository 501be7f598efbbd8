package xerrors

import (
	"errors"
	"fmt"
)

// ValidationError is a security or resource-bound violation. Reason is
// human readable and safe to log; Cause is set when a lower-level error
// (usually transport) was folded into the validation kind.
type ValidationError struct {
	Reason string
	Cause  error
	pcs    []uintptr
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error       { return e.Cause }
func (e *ValidationError) StackPCs() []uintptr { return e.pcs }

func Invalid(reason string) error {
	return &ValidationError{Reason: reason, pcs: captureStack(1)}
}

func Invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), pcs: captureStack(1)}
}

// AsInvalid folds err into the validation kind. nil stays nil and an error
// that is already a validation failure is returned unchanged.
func AsInvalid(err error, reason string) error {
	if err == nil {
		return nil
	}
	if IsInvalid(err) {
		return err
	}
	return &ValidationError{Reason: reason, Cause: err, pcs: captureStack(1)}
}

func IsInvalid(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
