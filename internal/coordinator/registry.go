package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/lspfront/internal/cluster"
)

var (
	// ErrDuplicateWorker is returned when a worker id is registered twice.
	ErrDuplicateWorker = errors.New("worker already registered")
	// ErrUnknownWorker is returned for ids that were never registered.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrWorkerGone is returned when waiting on a worker that disconnected or exited.
	ErrWorkerGone = errors.New("worker gone")
)

// WorkerView is the read-only face of the registry handed to the session
// broker. Only the Supervisor holds the full *WorkerRegistry.
type WorkerView interface {
	LiveWorkerIDs() []cluster.WorkerID
	WaitReady(ctx context.Context, id cluster.WorkerID) error
	Lookup(id cluster.WorkerID) (cluster.WorkerInfo, bool)
}

// workerRecord is the registry's private state for one worker.
type workerRecord struct {
	ready *Signal // fires when the worker reports it is listening
	gone  *Signal // fires on the first disconnect or exit
	info  cluster.WorkerInfo
}

// WorkerRegistry tracks every worker spawned by this process, keyed by id.
//
// Records are never removed. A worker that disconnected or exited keeps its
// record with a terminal liveness so that in-flight waits referencing it
// resolve to ErrWorkerGone instead of a missing key, and so that the admin
// surface can show why it went away.
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - WaitReady blocks on channels after releasing the lock
//   - All returned data is copied to prevent races
type WorkerRegistry struct {
	// workers maps worker ids to their records.
	workers map[cluster.WorkerID]*workerRecord

	// now is swappable for tests.
	now func() time.Time

	mu sync.RWMutex

	// basePort is the port the master listens on. A worker with id N
	// listens on basePort+N.
	basePort int
}

// NewWorkerRegistry creates an empty registry for workers listening relative
// to basePort.
//
// Example:
//
//	registry := NewWorkerRegistry(2089)
//	registry.Register(1, pid)   // worker 1 listens on 2090
func NewWorkerRegistry(basePort int) *WorkerRegistry {
	return &WorkerRegistry{
		workers:  make(map[cluster.WorkerID]*workerRecord),
		basePort: basePort,
		now:      time.Now,
	}
}

// Register adds a worker in the not-ready, alive state.
//
// Worker ids must be unique for the lifetime of the process. Registering an
// id twice leaves the existing record untouched and returns
// ErrDuplicateWorker; callers log it and carry on.
//
// Parameters:
//   - id: Worker id assigned by the supervisor (must be > 0)
//   - pid: OS process id, or 0 when unknown
//
// Returns:
//   - nil on success
//   - ErrDuplicateWorker if the id is already present
//   - Error if the id is not positive
func (r *WorkerRegistry) Register(id cluster.WorkerID, pid int) error {
	if id <= 0 {
		return fmt.Errorf("invalid worker id %d, must be positive", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; exists {
		return fmt.Errorf("worker %s: %w", id, ErrDuplicateWorker)
	}
	r.workers[id] = &workerRecord{
		ready: NewSignal(),
		gone:  NewSignal(),
		info: cluster.WorkerInfo{
			ID:        id,
			Port:      id.Port(r.basePort),
			PID:       pid,
			Liveness:  cluster.LivenessAlive,
			SpawnedAt: r.now(),
		},
	}
	return nil
}

// MarkReady resolves the worker's readiness signal. Calling it again is a
// no-op. A worker that is already gone stays gone.
func (r *WorkerRegistry) MarkReady(id cluster.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.workers[id]
	if !exists {
		return fmt.Errorf("worker %s: %w", id, ErrUnknownWorker)
	}
	if rec.ready.Fire() {
		rec.info.Ready = true
	}
	return nil
}

// MarkGone records that a worker disconnected or exited.
//
// The record stays in the registry but the id is excluded from every later
// LiveWorkerIDs call. Waiters blocked in WaitReady are released with
// ErrWorkerGone. A disconnect followed by an exit upgrades the liveness to
// exited and keeps the latest reason.
//
// Parameters:
//   - id: Worker that went away
//   - liveness: LivenessDisconnected or LivenessExited
//   - reason: Observed exit code, signal name, or free text
func (r *WorkerRegistry) MarkGone(id cluster.WorkerID, liveness cluster.Liveness, reason string) error {
	if !liveness.Gone() {
		return fmt.Errorf("mark worker %s gone: %q is not a terminal state", id, liveness)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.workers[id]
	if !exists {
		return fmt.Errorf("worker %s: %w", id, ErrUnknownWorker)
	}
	if rec.info.Liveness == cluster.LivenessExited {
		return nil
	}
	rec.info.Liveness = liveness
	if reason != "" {
		rec.info.Reason = reason
	}
	rec.gone.Fire()
	return nil
}

// SetHealthy toggles a live worker between alive and unhealthy. It has no
// effect on workers that are already gone.
func (r *WorkerRegistry) SetHealthy(id cluster.WorkerID, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.workers[id]
	if !exists {
		return fmt.Errorf("worker %s: %w", id, ErrUnknownWorker)
	}
	if rec.info.Liveness.Gone() {
		return nil
	}
	if healthy {
		rec.info.Liveness = cluster.LivenessAlive
	} else {
		rec.info.Liveness = cluster.LivenessUnhealthy
	}
	return nil
}

// Readiness returns the channel closed when the worker becomes ready.
func (r *WorkerRegistry) Readiness(id cluster.WorkerID) (<-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.workers[id]
	if !exists {
		return nil, fmt.Errorf("worker %s: %w", id, ErrUnknownWorker)
	}
	return rec.ready.Done(), nil
}

// WaitReady blocks until the worker is ready, the worker goes away, or ctx
// ends.
//
// Returns:
//   - nil once the worker's readiness signal has fired
//   - ErrWorkerGone if the worker disconnected or exited
//   - ErrUnknownWorker if the id was never registered
//   - ctx.Err() if the context ended first
func (r *WorkerRegistry) WaitReady(ctx context.Context, id cluster.WorkerID) error {
	r.mu.RLock()
	rec, exists := r.workers[id]
	r.mu.RUnlock()
	if !exists {
		return fmt.Errorf("worker %s: %w", id, ErrUnknownWorker)
	}

	if rec.gone.Fired() {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerGone)
	}
	select {
	case <-rec.ready.Done():
		return nil
	case <-rec.gone.Done():
		return fmt.Errorf("worker %s: %w", id, ErrWorkerGone)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveWorkerIDs returns the ids eligible for new sessions: registered, not
// gone, not unhealthy. Readiness is not required; the broker waits for it.
// The slice is freshly allocated on every call.
func (r *WorkerRegistry) LiveWorkerIDs() []cluster.WorkerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]cluster.WorkerID, 0, len(r.workers))
	for id, rec := range r.workers {
		if rec.info.Liveness == cluster.LivenessAlive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Lookup returns a copy of one worker record.
func (r *WorkerRegistry) Lookup(id cluster.WorkerID) (cluster.WorkerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.workers[id]
	if !exists {
		return cluster.WorkerInfo{}, false
	}
	return rec.info, true
}

// Snapshot returns copies of all records, including gone workers, sorted by id.
func (r *WorkerRegistry) Snapshot() []cluster.WorkerInfo {
	r.mu.RLock()
	out := make([]cluster.WorkerInfo, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.info)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b cluster.WorkerInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of records, gone workers included.
func (r *WorkerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// BasePort returns the port worker ports are derived from.
func (r *WorkerRegistry) BasePort() int {
	return r.basePort
}
