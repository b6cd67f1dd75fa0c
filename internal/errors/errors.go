package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeEntryNotFound       ErrorType = "ENTRY_NOT_FOUND"
	ErrorTypeDuplicateEntry      ErrorType = "DUPLICATE_ENTRY"
	ErrorTypeStorageCorruption   ErrorType = "STORAGE_CORRUPTION"
	ErrorTypeRevertConflict      ErrorType = "REVERT_CONFLICT"
	ErrorTypeReplayInconsistency ErrorType = "REPLAY_INCONSISTENCY"
	ErrorTypeInvalidLabel        ErrorType = "INVALID_LABEL"
	ErrorTypeInvalidState        ErrorType = "INVALID_STATE"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its Type.
var (
	ErrEntryNotFound       = &Error{Type: ErrorTypeEntryNotFound, Message: "entry not found"}
	ErrDuplicateEntry      = &Error{Type: ErrorTypeDuplicateEntry, Message: "duplicate entry"}
	ErrStorageCorruption   = &Error{Type: ErrorTypeStorageCorruption, Message: "storage corruption"}
	ErrRevertConflict      = &Error{Type: ErrorTypeRevertConflict, Message: "revert conflict"}
	ErrReplayInconsistency = &Error{Type: ErrorTypeReplayInconsistency, Message: "replay inconsistency"}
	ErrInvalidLabel        = &Error{Type: ErrorTypeInvalidLabel, Message: "invalid label"}
	ErrInvalidState        = &Error{Type: ErrorTypeInvalidState, Message: "invalid state"}
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Type, so callers can test against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

func EntryNotFound(path string) *Error {
	return &Error{
		Type:    ErrorTypeEntryNotFound,
		Message: fmt.Sprintf("entry not found: %q", path),
		Details: path,
	}
}

func DuplicateEntry(path string) *Error {
	return &Error{
		Type:    ErrorTypeDuplicateEntry,
		Message: fmt.Sprintf("entry already exists: %q", path),
		Details: path,
	}
}

func StorageCorruption(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeStorageCorruption,
		Message: message,
		Err:     cause,
	}
}

// RevertConflict carries the paths that blocked the revert.
func RevertConflict(paths []string) *Error {
	return &Error{
		Type:    ErrorTypeRevertConflict,
		Message: fmt.Sprintf("cannot revert: %d file(s) are not writable", len(paths)),
		Details: paths,
	}
}

func ReplayInconsistency(message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeReplayInconsistency,
		Message: message,
		Err:     cause,
	}
}

func InvalidLabel(name string, seq int64) *Error {
	return &Error{
		Type:    ErrorTypeInvalidLabel,
		Message: fmt.Sprintf("label %q at %d is outside retained history", name, seq),
		Details: seq,
	}
}

func InvalidState(message string) *Error {
	return &Error{
		Type:    ErrorTypeInvalidState,
		Message: message,
	}
}

// Conflicts returns the conflicting paths of a REVERT_CONFLICT error, if err is one.
func Conflicts(err error) ([]string, bool) {
	var e *Error
	if !stderrors.As(err, &e) || e.Type != ErrorTypeRevertConflict {
		return nil, false
	}
	paths, ok := e.Details.([]string)
	return paths, ok
}

// TypeOf reports the ErrorType of the first *Error in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if !stderrors.As(err, &e) {
		return "", false
	}
	return e.Type, true
}
