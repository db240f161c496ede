package session

import (
	"errors"
	"fmt"

	"stylebench/internal/styleapi"
)

// AuthenticationError reports an operation that needs a session which does
// not exist, or a create-session call the remote API refused.
type AuthenticationError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return e.Op + ": not authenticated"
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// InvalidArgumentError is a local precondition failure. Nothing was sent.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IterationAdvanceError reports a failed advance to Iteration. StatusCode is
// zero when no response was received, in which case the same step can be
// retried verbatim.
type IterationAdvanceError struct {
	Iteration  int
	StatusCode int
	Message    string
	Err        error
}

func (e *IterationAdvanceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("advance to iteration %d failed: %s", e.Iteration, e.Message)
	}
	return fmt.Sprintf("advance to iteration %d failed: status %d: %s", e.Iteration, e.StatusCode, e.Message)
}

func (e *IterationAdvanceError) Unwrap() error { return e.Err }

type SequenceCompleteError struct {
	Iteration int
}

func (e *SequenceCompleteError) Error() string {
	return fmt.Sprintf("sequence already complete at iteration %d", e.Iteration)
}

// ProfileFetchError is logged, never returned: a missing profile degrades to
// the empty profile.
type ProfileFetchError struct {
	StatusCode int
	Err        error
}

func (e *ProfileFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch profile: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch profile: %v", e.Err)
}

func (e *ProfileFetchError) Unwrap() error { return e.Err }

// RequestError is any other failed remote call.
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

// upstream extracts the HTTP status and server message from err, if any.
func upstream(err error) (int, string) {
	var apiErr *styleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, apiErr.Message
	}
	return 0, err.Error()
}
