package loadtest

import (
	"errors"
	"fmt"

	"github.com/studiowebux/stompload/internal/barrier"
)

// ErrAborted is wrapped by failures that ended a phase early
var ErrAborted = errors.New("scenario aborted")

// PhaseError reports the phase a scenario failed in
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Missing returns the outstanding ids when the phase timed out
func (e *PhaseError) Missing() []barrier.Outstanding {
	var terr *barrier.TimeoutError
	if errors.As(e.Err, &terr) {
		return terr.Missing
	}
	return nil
}

// MismatchError is a delivered payload that failed the expectation
type MismatchError struct {
	SessionID string
	MessageID string
	Reason    string
	Body      string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: payload mismatch on %s (message-id %s): %s, body %q",
		ErrAborted, e.SessionID, e.MessageID, e.Reason, truncate(e.Body, 200))
}

func (e *MismatchError) Unwrap() error {
	return ErrAborted
}

// SessionFailure is a broker ERROR or transport error on one session
type SessionFailure struct {
	SessionID string
	Kind      string // "broker error" | "transport error"
	Detail    string
}

func (e *SessionFailure) Error() string {
	return fmt.Sprintf("%s: %s on %s: %s", ErrAborted, e.Kind, e.SessionID, e.Detail)
}

func (e *SessionFailure) Unwrap() error {
	return ErrAborted
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
