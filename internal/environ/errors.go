package environ

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking across the pipeline.
var (
	ErrArtifact   = errors.New("artifact download or extraction failed")
	ErrProvision  = errors.New("environment provisioning failed")
	ErrEngineDown = errors.New("container engine unavailable")
	ErrNotFound   = errors.New("not found")
)

// SessionError wraps errors with session context.
type SessionError struct {
	SessionID string
	Op        string // The operation that failed
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %s", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsProvisionFailure reports whether the error is a provisioning failure.
func IsProvisionFailure(err error) bool {
	return errors.Is(err, ErrProvision)
}

// IsArtifactFailure reports whether the error is an artifact fetch failure.
func IsArtifactFailure(err error) bool {
	return errors.Is(err, ErrArtifact)
}
