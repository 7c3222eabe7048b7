package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestrator failure.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindIO             Kind = "io"
	KindServiceManager Kind = "service_manager"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid watcher config")

// Error is returned by every Orchestrator operation. Step names the stage
// that failed (validate, write_artifacts, register, enable, start, ...).
type Error struct {
	Kind Kind
	Step string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: watcher %q: %s: %v", e.Kind, e.Name, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

func newErr(k Kind, step, name string, err error) *Error {
	return &Error{Kind: k, Step: step, Name: name, Err: err}
}
