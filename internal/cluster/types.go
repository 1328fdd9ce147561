package cluster

import (
	"fmt"
	"strconv"
	"time"
)

// WorkerID identifies a worker process for the lifetime of the master.
type WorkerID int

func (id WorkerID) String() string {
	return strconv.Itoa(int(id))
}

// Port returns the port the worker listens on for a given base port.
func (id WorkerID) Port(basePort int) int {
	return basePort + int(id)
}

// Liveness is the coarse health state of a worker record.
type Liveness string

const (
	LivenessAlive        Liveness = "alive"
	LivenessUnhealthy    Liveness = "unhealthy"
	LivenessDisconnected Liveness = "disconnected"
	LivenessExited       Liveness = "exited"
)

// Gone reports whether the state is terminal.
func (l Liveness) Gone() bool {
	return l == LivenessDisconnected || l == LivenessExited
}

// WorkerInfo is a point-in-time copy of a worker record.
type WorkerInfo struct {
	SpawnedAt time.Time `json:"spawned_at"`
	Liveness  Liveness  `json:"liveness"`
	Reason    string    `json:"reason,omitempty"`
	ID        WorkerID  `json:"id"`
	Port      int       `json:"port"`
	PID       int       `json:"pid,omitempty"`
	Ready     bool      `json:"ready"`
}

// WorkerSpec is the explicit configuration handed to a worker at spawn time.
// Workers never infer their identity from ambient process state.
type WorkerSpec struct {
	LogLevel string
	Host     string
	ID       WorkerID
	Port     int
	Strict   bool
}

// Args renders the spec as command line flags for the worker binary.
func (s WorkerSpec) Args() []string {
	args := []string{
		"--id", s.ID.String(),
		"--port", strconv.Itoa(s.Port),
		fmt.Sprintf("--strict=%t", s.Strict),
	}
	if s.Host != "" {
		args = append(args, "--host", s.Host)
	}
	if s.LogLevel != "" {
		args = append(args, "--log-level", s.LogLevel)
	}
	return args
}

// EventKind names a worker lifecycle event.
type EventKind string

const (
	EventListening    EventKind = "listening"
	EventDisconnected EventKind = "disconnected"
	EventExited       EventKind = "exited"
)

// LifecycleEvent is a state change observed for one worker process.
type LifecycleEvent struct {
	Kind     EventKind
	Addr     string
	Reason   string
	WorkerID WorkerID
}
