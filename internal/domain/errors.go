package domain

import (
	"errors"
	"fmt"
)

// ErrNoInventory aborts a run early: with no drug data there is nothing to
// reason about. It is the only fatal run condition.
var ErrNoInventory = errors.New("no drug inventory data available")

// ExternalCallError wraps a transport or timeout failure against any
// external collaborator. Stages convert it into degraded output.
type ExternalCallError struct {
	Collaborator string
	Err          error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Collaborator, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// MalformedResponseError means the structured-output caller returned content
// that could not be decoded into the expected shape, even after stripping
// fenced code blocks.
type MalformedResponseError struct {
	Raw string
	Err error
}

func (e *MalformedResponseError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("malformed structured response: %v (raw: %q)", e.Err, raw)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
