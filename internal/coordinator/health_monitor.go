package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/log"
)

// HealthStatus is the health check verdict for one worker.
type HealthStatus string

const (
	StatusUnknown   HealthStatus = "unknown"
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthTarget is one worker endpoint to check.
type HealthTarget struct {
	Addr string
	ID   cluster.WorkerID
}

// WorkerHealth tracks the health check history of a single worker.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type WorkerHealth struct {
	LastCheck        time.Time        // Timestamp of the last check attempt
	LastHealthy      time.Time        // Timestamp of the last successful check
	Status           HealthStatus     // Current verdict
	WorkerID         cluster.WorkerID // Worker being checked
	ConsecutiveFails int              // Number of consecutive failed checks
}

// HealthMonitor periodically dials every ready worker's endpoint. A worker
// that misses maxFailures checks in a row is reported unhealthy; a later
// successful check reports it recovered. Callbacks run on the monitor's
// goroutine without h.mu held, one at a time, in transition order.
//
// A process can be alive yet stuck. Exit and disconnect events never fire for
// it, so the health check is the only way to keep it out of new sessions.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	workers     map[cluster.WorkerID]*WorkerHealth // Current health per worker
	checkFunc   func(addr string) error            // Function to perform a check
	onUnhealthy func(id cluster.WorkerID)          // Callback when a worker becomes unhealthy
	onRecovered func(id cluster.WorkerID)          // Callback when an unhealthy worker recovers
	ctx         context.Context                    // Context for cancellation
	cancel      context.CancelFunc                 // Cancel function for shutdown
	logger      zerolog.Logger
	interval    time.Duration  // How often to check
	timeout     time.Duration  // Dial timeout per check
	mu          sync.RWMutex   // Protects workers map
	wg          sync.WaitGroup // Wait group for graceful shutdown
	maxFailures int            // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor probing every interval. Workers are
// marked unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5 * time.Second)
//	monitor.SetOnUnhealthy(func(id cluster.WorkerID) { ... })
//	go monitor.Start(ctx, targets)
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		workers:     make(map[cluster.WorkerID]*WorkerHealth),
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.WithComponent("health"),
	}
}

// SetOnUnhealthy sets the callback invoked when a worker crosses the failure threshold.
func (h *HealthMonitor) SetOnUnhealthy(callback func(id cluster.WorkerID)) {
	h.onUnhealthy = callback
}

// SetOnRecovered sets the callback invoked when an unhealthy worker passes a check.
func (h *HealthMonitor) SetOnRecovered(callback func(id cluster.WorkerID)) {
	h.onRecovered = callback
}

// SetCheckFunction overrides the default TCP dial check.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}

// Start checks the targets returned by provider every interval until ctx or
// Stop ends it. It blocks; run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []HealthTarget) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.dialCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("health monitor started")

	h.checkAll(provider())
	for {
		select {
		case <-ticker.C:
			h.checkAll(provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll checks every target and forgets workers no longer listed.
func (h *HealthMonitor) checkAll(targets []HealthTarget) {
	current := make(map[cluster.WorkerID]bool, len(targets))
	for _, t := range targets {
		current[t.ID] = true
		h.check(t)
	}

	h.mu.Lock()
	for id := range h.workers {
		if !current[id] {
			delete(h.workers, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(t HealthTarget) {
	h.mu.Lock()
	health, exists := h.workers[t.ID]
	if !exists {
		health = &WorkerHealth{
			WorkerID:    t.ID,
			Status:      StatusUnknown,
			LastHealthy: time.Now(),
		}
		h.workers[t.ID] = health
	}
	h.mu.Unlock()

	// Dial without holding the lock.
	err := h.checkFunc(t.Addr)

	// Callbacks run after the lock is released but before the next check,
	// so the registry sees transitions in the order they happened.
	if notify := h.record(t.ID, health, err); notify != nil {
		notify(t.ID)
	}
}

// record applies one check result and returns the callback to run, if the
// worker changed state.
func (h *HealthMonitor) record(id cluster.WorkerID, health *WorkerHealth, err error) func(cluster.WorkerID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Debug().Err(err).
			Int(log.FieldWorkerID, int(id)).
			Int("fails", health.ConsecutiveFails).
			Msg("worker health check failed")

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.logger.Warn().Int(log.FieldWorkerID, int(id)).Msg("worker marked unhealthy")
			return h.onUnhealthy
		}
		return nil
	}

	var notify func(cluster.WorkerID)
	if health.Status == StatusUnhealthy {
		h.logger.Info().Int(log.FieldWorkerID, int(id)).Msg("worker recovered")
		notify = h.onRecovered
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
	return notify
}

// dialCheck opens and immediately closes a TCP connection to addr.
func (h *HealthMonitor) dialCheck(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, h.timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn.Close()
}

// WorkerHealth returns a copy of one worker's health, or nil if it is not tracked.
func (h *HealthMonitor) WorkerHealth(id cluster.WorkerID) *WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.workers[id]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// IsHealthy reports whether the worker's last verdict was healthy.
func (h *HealthMonitor) IsHealthy(id cluster.WorkerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.workers[id]
	return exists && health.Status == StatusHealthy
}
