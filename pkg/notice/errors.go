package notice

import (
	"errors"
	"fmt"
)

// ErrNoRecords is returned by a fetch whose search matched no announcements.
// It is informational: the identifier simply contributes nothing.
var ErrNoRecords = errors.New("no records found")

// ResolutionError indicates an identifier matched neither a code nor a name.
type ResolutionError struct {
	Input string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unknown security %q: please check your input, stock codes and stock names are supported, e.g. \"000001\", \"平安银行\"", e.Input)
}

// IsResolutionError checks if an error is a ResolutionError.
func IsResolutionError(err error) bool {
	var target *ResolutionError
	return errors.As(err, &target)
}

// InvalidRangeError indicates a date range that cannot be queried.
type InvalidRangeError struct {
	From   string
	To     string
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid date range %q~%q: %s", e.From, e.To, e.Reason)
}

// IsInvalidRange checks if an error is an InvalidRangeError.
func IsInvalidRange(err error) bool {
	var target *InvalidRangeError
	return errors.As(err, &target)
}

// TransientFetchError indicates a search page could not be retrieved.
type TransientFetchError struct {
	Err      error
	Stock    string
	Page     int
	Attempts uint
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch page %d of %s after %d attempt(s): %v", e.Page, e.Stock, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// IsTransientFetch checks if an error is a TransientFetchError.
func IsTransientFetch(err error) bool {
	var target *TransientFetchError
	return errors.As(err, &target)
}

// PersistenceError indicates a saved query could not be read or written.
type PersistenceError struct {
	Err      error
	Name     string
	NotFound bool
}

func (e *PersistenceError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("saved query %q not found", e.Name)
	}
	return fmt.Sprintf("saved query %q: %v", e.Name, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if an error indicates a saved query does not exist.
func IsNotFound(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target) && target.NotFound
}
