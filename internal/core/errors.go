package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOffer marks a malformed or unsupported SDP offer. The
	// session is never created when this is returned.
	ErrInvalidOffer = errors.New("invalid offer")

	// ErrUnknownSession marks a request for a session id that does not
	// resolve. Non-fatal for trickled candidates, which may race teardown.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionConflict marks a conflicting concurrent mutation of the
	// same session, e.g. an offer targeting a session mid-teardown.
	ErrSessionConflict = errors.New("session conflict")

	// ErrDuplicateSession marks a registry insert for an id that is
	// already live.
	ErrDuplicateSession = errors.New("duplicate session")
)

// BuildError reports a provider that could not be initialized while wiring
// a pipeline. It aborts session construction and leaves nothing registered.
type BuildError struct {
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("pipeline build: stage %s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// StageError reports a recognition/generation/synthesis failure mid-turn.
// It is contained by the turn controller and never reaches the signaling
// layer.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
