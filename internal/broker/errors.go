package broker

import (
	"errors"
	"fmt"
)

// ErrReadinessTimeout is returned when a selected worker does not become
// ready within Config.ReadyTimeout.
var ErrReadinessTimeout = errors.New("worker readiness timed out")

// ErrRateLimited is returned when a session is refused by admission control.
var ErrRateLimited = errors.New("session rate exceeded")

// Stage names the step of session establishment that failed.
type Stage string

const (
	StageAdmit   Stage = "admit"
	StageSelect  Stage = "select"
	StageReady   Stage = "ready"
	StageConnect Stage = "connect"
	StageAttach  Stage = "attach"
)

// SessionError is a failed session establishment.
type SessionError struct {
	Err   error
	Stage Stage
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Stage, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of a *SessionError in err's chain, or "".
func StageOf(err error) Stage {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
