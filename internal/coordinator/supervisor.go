package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/log"
	"github.com/dreamware/lspfront/internal/metrics"
)

// SupervisorConfig configures the worker pool.
type SupervisorConfig struct {
	// Host is the interface workers bind to and the health monitor dials.
	Host string
	// LogLevel is passed through to every worker.
	LogLevel string
	// Backoff spaces out respawns of the same slot.
	Backoff BackoffConfig
	// Size is the number of worker slots to fill at startup.
	Size int
	// RespawnLimit bounds respawns per slot. Zero disables respawning.
	RespawnLimit int
	// StopGrace is how long Stop waits before killing a worker.
	StopGrace time.Duration
	// HealthInterval enables the health monitor when positive.
	HealthInterval time.Duration
	// Strict is passed through to every worker.
	Strict bool
}

// Supervisor spawns the worker pool and is the only writer of the registry.
//
// Lifecycle:
//  1. Start spawns Size workers, registering each one immediately (not ready)
//  2. A listening event from the worker marks it ready
//  3. Disconnect and exit events mark it gone with the observed reason
//  4. With RespawnLimit > 0 an exited slot is refilled with a fresh worker id
//  5. Stop terminates every worker and waits for the watchers to finish
//
// Thread-safe: All methods are safe for concurrent access.
type Supervisor struct {
	registry *WorkerRegistry
	spawner  Spawner
	monitor  *HealthMonitor
	procs    map[cluster.WorkerID]Process
	ctx      context.Context
	cancel   context.CancelFunc
	rng      *rand.Rand
	logger   zerolog.Logger
	cfg      SupervisorConfig
	wg       sync.WaitGroup
	mu       sync.Mutex
	nextID   cluster.WorkerID
}

// NewSupervisor creates a supervisor that records worker state in registry.
func NewSupervisor(registry *WorkerRegistry, spawner Spawner, cfg SupervisorConfig) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry: registry,
		spawner:  spawner,
		cfg:      cfg,
		procs:    make(map[cluster.WorkerID]Process),
		ctx:      ctx,
		cancel:   cancel,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		logger:   log.WithComponent("supervisor"),
	}
}

// Registry returns the registry the supervisor writes to.
func (s *Supervisor) Registry() *WorkerRegistry {
	return s.registry
}

// Start spawns the configured number of workers. A slot that fails to spawn
// is logged; Start only fails if no worker could be started at all.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.Size <= 0 {
		return fmt.Errorf("worker pool size %d, must be positive", s.cfg.Size)
	}
	s.logger.Info().Int("size", s.cfg.Size).Msg("spawning workers")

	var errs []error
	for slot := range s.cfg.Size {
		if err := s.spawn(slot, 0); err != nil {
			s.logger.Error().Err(err).Int("slot", slot).Msg("worker spawn failed")
			errs = append(errs, err)
		}
	}
	if len(errs) == s.cfg.Size {
		return fmt.Errorf("no worker could be started: %w", errors.Join(errs...))
	}

	if s.cfg.HealthInterval > 0 {
		s.monitor = NewHealthMonitor(s.cfg.HealthInterval)
		s.monitor.SetOnUnhealthy(func(id cluster.WorkerID) {
			s.setHealthy(id, false)
		})
		s.monitor.SetOnRecovered(func(id cluster.WorkerID) {
			s.setHealthy(id, true)
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitor.Start(ctx, s.healthTargets)
		}()
	}
	return nil
}

// Stop terminates all workers and waits for their events to drain.
func (s *Supervisor) Stop() {
	s.cancel()
	if s.monitor != nil {
		s.monitor.Stop()
	}

	s.mu.Lock()
	procs := make(map[cluster.WorkerID]Process, len(s.procs))
	for id, p := range s.procs {
		procs[id] = p
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Stop(s.cfg.StopGrace); err != nil {
				s.logger.Debug().Err(err).Int(log.FieldWorkerID, int(id)).Msg("worker stopped")
			}
		}()
	}
	wg.Wait()
	s.wg.Wait()
	s.logger.Info().Msg("supervisor stopped")
}

func (s *Supervisor) allocateID() cluster.WorkerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// spawn fills a slot with a new worker process. attempt counts previous
// respawns of the slot.
func (s *Supervisor) spawn(slot, attempt int) error {
	id := s.allocateID()
	spec := cluster.WorkerSpec{
		ID:       id,
		Port:     id.Port(s.registry.BasePort()),
		Host:     s.cfg.Host,
		Strict:   s.cfg.Strict,
		LogLevel: s.cfg.LogLevel,
	}

	proc, err := s.spawner.Spawn(s.ctx, spec)
	if err != nil {
		return err
	}

	// Stop cancels before it snapshots procs, so checking under the lock
	// guarantees no process is added after the snapshot.
	s.mu.Lock()
	if err := s.ctx.Err(); err != nil {
		s.mu.Unlock()
		go func() {
			for range proc.Events() {
			}
		}()
		_ = proc.Stop(s.cfg.StopGrace)
		return err
	}
	s.procs[id] = proc
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.registry.Register(id, proc.PID()); err != nil {
		s.logger.Error().Err(err).Int(log.FieldWorkerID, int(id)).Msg("worker registration failed")
	}

	s.logger.Info().
		Int(log.FieldWorkerID, int(id)).
		Int(log.FieldWorkerPID, proc.PID()).
		Int("port", spec.Port).
		Msg("worker spawned")
	metrics.SetLiveWorkers(len(s.registry.LiveWorkerIDs()))

	go s.watch(slot, attempt, id, proc)
	return nil
}

// watch drains one process's events and decides whether to respawn its slot.
func (s *Supervisor) watch(slot, attempt int, id cluster.WorkerID, proc Process) {
	defer s.wg.Done()

	exited := false
	for ev := range proc.Events() {
		s.handleEvent(id, ev)
		if ev.Kind == cluster.EventExited {
			exited = true
		}
	}

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()

	if !exited || s.ctx.Err() != nil || attempt >= s.cfg.RespawnLimit {
		return
	}

	delay := s.respawnDelay(attempt + 1)
	s.logger.Info().
		Int("slot", slot).
		Int("attempt", attempt+1).
		Dur("delay", delay).
		Msg("respawning worker slot")

	select {
	case <-time.After(delay):
	case <-s.ctx.Done():
		return
	}
	if err := s.spawn(slot, attempt+1); err != nil {
		s.logger.Error().Err(err).Int("slot", slot).Msg("worker respawn failed")
	}
}

// respawnDelay draws the backoff for attempt. s.rng is shared by every
// watcher and is only touched under s.mu.
func (s *Supervisor) respawnDelay(attempt int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
}

func (s *Supervisor) handleEvent(id cluster.WorkerID, ev cluster.LifecycleEvent) {
	metrics.IncWorkerEvent(string(ev.Kind))
	l := s.logger.With().Int(log.FieldWorkerID, int(id)).Str(log.FieldEvent, string(ev.Kind)).Logger()

	var err error
	switch ev.Kind {
	case cluster.EventListening:
		err = s.registry.MarkReady(id)
		l.Info().Str(log.FieldAddr, ev.Addr).Msg("worker listening")
	case cluster.EventDisconnected:
		err = s.registry.MarkGone(id, cluster.LivenessDisconnected, ev.Reason)
		l.Warn().Str(log.FieldReason, ev.Reason).Msg("worker disconnect")
	case cluster.EventExited:
		err = s.registry.MarkGone(id, cluster.LivenessExited, ev.Reason)
		l.Warn().Str(log.FieldReason, ev.Reason).Msg("worker exit")
	default:
		l.Debug().Msg("ignoring unknown worker event")
	}
	if err != nil {
		l.Error().Err(err).Msg("registry update failed")
	}
	metrics.SetLiveWorkers(len(s.registry.LiveWorkerIDs()))
}

func (s *Supervisor) setHealthy(id cluster.WorkerID, healthy bool) {
	if err := s.registry.SetHealthy(id, healthy); err != nil {
		s.logger.Error().Err(err).Int(log.FieldWorkerID, int(id)).Msg("registry update failed")
	}
	metrics.SetLiveWorkers(len(s.registry.LiveWorkerIDs()))
}

// healthTargets lists the ready workers that are not gone, for the health monitor.
func (s *Supervisor) healthTargets() []HealthTarget {
	var targets []HealthTarget
	for _, w := range s.registry.Snapshot() {
		if !w.Ready || w.Liveness.Gone() {
			continue
		}
		targets = append(targets, HealthTarget{
			ID:   w.ID,
			Addr: net.JoinHostPort(s.cfg.Host, strconv.Itoa(w.Port)),
		})
	}
	return targets
}
