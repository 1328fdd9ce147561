package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidMessage is returned for stdout lines that are not lifecycle messages.
var ErrInvalidMessage = errors.New("invalid lifecycle message")

// LifecycleMessage is the line-oriented wire form a worker writes to stdout.
type LifecycleMessage struct {
	Event    EventKind `json:"event"`
	Addr     string    `json:"addr,omitempty"`
	WorkerID WorkerID  `json:"worker_id"`
}

// WriteMessage writes m as a single JSON line.
func WriteMessage(w io.Writer, m LifecycleMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// ParseMessage decodes one stdout line. Only the listening event may be sent
// by a worker; the other kinds are observed by the master itself.
func ParseMessage(line []byte) (LifecycleMessage, error) {
	var m LifecycleMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return LifecycleMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Event != EventListening {
		return LifecycleMessage{}, fmt.Errorf("%w: unexpected event %q", ErrInvalidMessage, m.Event)
	}
	return m, nil
}
