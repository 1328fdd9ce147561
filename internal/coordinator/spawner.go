package coordinator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/log"
)

// Process is a running worker as seen by the supervisor.
type Process interface {
	// PID returns the OS process id, or 0 if there is none.
	PID() int
	// Events delivers lifecycle events and is closed after the exit event.
	Events() <-chan cluster.LifecycleEvent
	// Stop asks the worker to terminate and waits for it, escalating to a
	// hard kill after grace.
	Stop(grace time.Duration) error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec cluster.WorkerSpec) (Process, error)
}

// ExecSpawner runs the worker binary as a child process in its own process
// group. The worker's stdout carries lifecycle messages, its stderr is passed
// through, and its stdin is held open so the worker can detect that the
// master went away.
type ExecSpawner struct {
	Stderr io.Writer
	Binary string
}

// Spawn starts one worker process.
func (e *ExecSpawner) Spawn(_ context.Context, spec cluster.WorkerSpec) (Process, error) {
	if e.Binary == "" {
		return nil, errors.New("spawn worker: no worker binary configured")
	}

	cmd := exec.Command(e.Binary, spec.Args()...)
	setProcessGroup(cmd)
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker %s: %w", spec.ID, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn worker %s: %w", spec.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker %s: %w", spec.ID, err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		id:     spec.ID,
		events: make(chan cluster.LifecycleEvent, 4),
		exited: make(chan struct{}),
		logger: log.WithComponent("spawner").With().Int(log.FieldWorkerID, int(spec.ID)).Logger(),
	}
	go p.run(stdout)
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdin   io.Closer
	events  chan cluster.LifecycleEvent
	exited  chan struct{}
	waitErr error
	logger  zerolog.Logger
	id      cluster.WorkerID
	stop    sync.Once
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Events() <-chan cluster.LifecycleEvent {
	return p.events
}

// run reads lifecycle lines until stdout closes, then reaps the process.
// Wait must not be called before all reads from the pipe have completed.
func (p *execProcess) run(stdout io.Reader) {
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		m, err := cluster.ParseMessage(scanner.Bytes())
		if err != nil {
			p.logger.Debug().Err(err).Msg("ignoring worker stdout line")
			continue
		}
		if m.WorkerID != p.id {
			p.logger.Warn().
				Int("reported_worker_id", int(m.WorkerID)).
				Msg("ignoring lifecycle message for another worker")
			continue
		}
		p.events <- cluster.LifecycleEvent{Kind: m.Event, WorkerID: p.id, Addr: m.Addr}
	}
	reason := "stdout closed"
	if err := scanner.Err(); err != nil {
		reason = err.Error()
	}
	p.events <- cluster.LifecycleEvent{Kind: cluster.EventDisconnected, WorkerID: p.id, Reason: reason}

	p.waitErr = p.cmd.Wait()
	close(p.exited)
	p.events <- cluster.LifecycleEvent{Kind: cluster.EventExited, WorkerID: p.id, Reason: exitReason(p.cmd.ProcessState)}
}

// Stop sends a terminate signal to the process group, waits up to grace,
// then kills the group. It is safe to call more than once.
func (p *execProcess) Stop(grace time.Duration) error {
	p.stop.Do(func() {
		_ = p.stdin.Close()
		if err := signalGroup(p.cmd, false); err != nil {
			p.logger.Warn().Err(err).Msg("terminate worker")
		}
	})

	select {
	case <-p.exited:
		return p.waitErr
	case <-time.After(grace):
	}

	if err := signalGroup(p.cmd, true); err != nil {
		p.logger.Warn().Err(err).Msg("kill worker")
	}
	<-p.exited
	return p.waitErr
}
