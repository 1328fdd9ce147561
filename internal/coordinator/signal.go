package coordinator

import "sync"

// Signal is a one-shot broadcast. Fire resolves it exactly once; later calls
// are no-ops.
type Signal struct {
	ch   chan struct{}
	once sync.Once
}

// NewSignal returns an unresolved signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire resolves the signal and reports whether this call did it.
func (s *Signal) Fire() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	return fired
}

// Done is closed once the signal has fired.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Fired reports whether the signal has resolved.
func (s *Signal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
