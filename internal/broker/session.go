package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/rpc"
)

// SessionCoordinator implements the client-facing protocol of a session.
// Attach is called once the worker connections are dialed and wired, before
// any connection of the session starts reading. It registers handlers and
// must not call Call or Notify.
type SessionCoordinator interface {
	Attach(ctx context.Context, s *Session) error
}

// SessionCoordinatorFunc adapts a function to SessionCoordinator.
type SessionCoordinatorFunc func(ctx context.Context, s *Session) error

// Attach calls f.
func (f SessionCoordinatorFunc) Attach(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// Session is one client connection and the worker connections opened for it.
// Workers[i] is connected to worker WorkerIDs[i]; Workers[0] is the primary.
type Session struct {
	StartedAt time.Time
	Client    *rpc.Conn
	Logger    zerolog.Logger
	ID        string
	Workers   []*rpc.Conn
	WorkerIDs []cluster.WorkerID
	closeOnce sync.Once
}

// SessionInfo is the admin view of a session.
type SessionInfo struct {
	StartedAt time.Time          `json:"started_at"`
	ID        string             `json:"id"`
	WorkerIDs []cluster.WorkerID `json:"worker_ids"`
}

// Info returns a copy of the session's public fields.
func (s *Session) Info() SessionInfo {
	ids := make([]cluster.WorkerID, len(s.WorkerIDs))
	copy(ids, s.WorkerIDs)
	return SessionInfo{ID: s.ID, WorkerIDs: ids, StartedAt: s.StartedAt}
}

// Done is closed when the client connection closes.
func (s *Session) Done() <-chan struct{} {
	return s.Client.Done()
}

// Close tears the session down: the client connection and every worker
// connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.Client.Close()
		s.closeWorkers()
	})
}

func (s *Session) closeWorkers() {
	var wg sync.WaitGroup
	for _, w := range s.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Close()
		}()
	}
	wg.Wait()
}
