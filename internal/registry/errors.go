package registry

import "fmt"

// ErrorKind classifies mutation failures so callers can tell expected
// validation problems apart from storage trouble.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindStorage    ErrorKind = "storage"
)

// MutationError is returned by registry write operations. Reads never
// return errors; they default to empty results.
type MutationError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

func validationErr(op string, err error) *MutationError {
	return &MutationError{Kind: KindValidation, Op: op, Err: err}
}

func conflictErr(op string, err error) *MutationError {
	return &MutationError{Kind: KindConflict, Op: op, Err: err}
}

func notFoundErr(op string, err error) *MutationError {
	return &MutationError{Kind: KindNotFound, Op: op, Err: err}
}

func storageErr(op string, err error) *MutationError {
	return &MutationError{Kind: KindStorage, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to storage for plain errors.
func KindOf(err error) ErrorKind {
	if me, ok := err.(*MutationError); ok {
		return me.Kind
	}
	return KindStorage
}
