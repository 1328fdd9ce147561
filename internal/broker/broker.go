package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/coordinator"
	"github.com/dreamware/lspfront/internal/log"
	"github.com/dreamware/lspfront/internal/metrics"
	"github.com/dreamware/lspfront/internal/rpc"
)

// Dialer opens outbound worker connections.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures a Broker.
type Option func(*Broker)

// WithDialer replaces the dialer used to reach workers.
func WithDialer(d Dialer) Option {
	return func(b *Broker) {
		b.dialer = d
	}
}

// WithLogger replaces the broker's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// Broker accepts client connections and turns each into a Session.
//
// Thread-safe: All methods are safe for concurrent access.
type Broker struct {
	view     coordinator.WorkerView
	coord    SessionCoordinator
	dialer   Dialer
	limiter  *rate.Limiter
	sessions map[string]*Session
	cancel   context.CancelFunc
	served   chan struct{}
	logger   zerolog.Logger
	cfg      Config
	wg       sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
}

// New creates a broker that selects workers from view and hands every
// established session to coord.
func New(cfg Config, view coordinator.WorkerView, coord SessionCoordinator, opts ...Option) *Broker {
	cfg = cfg.withDefaults()
	if coord == nil {
		coord = Relay{}
	}
	b := &Broker{
		cfg:      cfg,
		view:     view,
		coord:    coord,
		dialer:   &net.Dialer{},
		sessions: make(map[string]*Session),
		logger:   log.WithComponent("broker"),
	}
	if cfg.SessionRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.SessionRate), cfg.SessionBurst)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ListenAndServe listens on addr and serves until ctx ends or Shutdown is
// called.
func (b *Broker) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve accepts client connections on ln. It returns after ctx ends or
// Shutdown is called, once every session has been torn down.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	if b.served != nil {
		b.mu.Unlock()
		return errors.New("broker: already serving")
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.served = make(chan struct{})
	served := b.served
	b.mu.Unlock()

	defer close(served)
	defer b.wg.Wait()
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	b.logger.Info().Str(log.FieldAddr, ln.Addr().String()).Msg("accepting client connections")

	var tempDelay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = max(5*time.Millisecond, min(2*tempDelay, time.Second))
				b.logger.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept failed")
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handle(ctx, raw)
		}()
	}
}

// Shutdown stops accepting, closes every session and waits for them to end.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	cancel, served := b.cancel, b.served
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-served
	b.logger.Info().Msg("broker stopped")
}

// ActiveSessions returns the number of established sessions.
func (b *Broker) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Sessions returns the established sessions ordered by start time.
func (b *Broker) Sessions() []SessionInfo {
	b.mu.Lock()
	infos := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		infos = append(infos, s.Info())
	}
	b.mu.Unlock()

	slices.SortFunc(infos, func(x, y SessionInfo) int {
		return x.StartedAt.Compare(y.StartedAt)
	})
	return infos
}

// handle runs one client connection from accept to teardown.
func (b *Broker) handle(ctx context.Context, raw net.Conn) {
	started := time.Now()
	id := uuid.NewString()
	logger := b.logger.With().
		Str(log.FieldSessionID, id).
		Str("remote", raw.RemoteAddr().String()).
		Logger()

	var s *Session
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("session panic")
			metrics.IncSession("panic")
			if s != nil {
				s.Close()
			} else {
				_ = raw.Close()
			}
		}
	}()

	client := rpc.NewConn(raw, rpc.WithName("client"), rpc.WithLogger(logger))

	s, err := b.Establish(ctx, id, client)
	if err != nil {
		stage := StageOf(err)
		metrics.IncSession(string(stage))
		logger.Warn().Err(err).Str(log.FieldStage, string(stage)).Msg("session rejected")
		b.reject(ctx, client, err)
		return
	}

	metrics.IncSession("ok")
	metrics.SessionOpened(time.Since(started).Seconds())
	b.track(s)
	defer func() {
		b.untrack(s)
		metrics.SessionClosed()
		logger.Info().Dur("duration", time.Since(started)).Msg("session closed")
	}()
	logger.Info().
		Ints(log.FieldWorkerIDs, workerInts(s.WorkerIDs)).
		Dur("setup", time.Since(started)).
		Msg("session established")

	b.watch(s)
}

// watch blocks until the client goes away, then tears the session down.
// Worker connections that close early are logged and left closed.
func (b *Broker) watch(s *Session) {
	for i, w := range s.Workers {
		go func() {
			select {
			case <-w.Done():
				select {
				case <-s.Done():
				default:
					s.Logger.Warn().Int(log.FieldWorkerID, int(s.WorkerIDs[i])).Msg("worker connection closed during session")
				}
			case <-s.Done():
			}
		}()
	}

	<-s.Done()
	s.Close()
}

// Establish builds a session on an unstarted client connection: select,
// wait for readiness, dial, wire, attach and listen. On failure every
// worker connection opened for it is closed and the client is left for the
// caller to reject.
func (b *Broker) Establish(ctx context.Context, id string, client *rpc.Conn) (*Session, error) {
	logger := b.logger.With().Str(log.FieldSessionID, id).Logger()

	if b.limiter != nil && !b.limiter.Allow() {
		return nil, &SessionError{Stage: StageAdmit, Err: ErrRateLimited}
	}

	ids, err := coordinator.SelectDistinct(b.cfg.WorkersPerSession, b.view.LiveWorkerIDs())
	if err != nil {
		return nil, &SessionError{Stage: StageSelect, Err: err}
	}
	logger.Debug().Ints(log.FieldWorkerIDs, workerInts(ids)).Msg("workers selected")

	if err := b.awaitReady(ctx, ids); err != nil {
		return nil, &SessionError{Stage: StageReady, Err: err}
	}

	raws, err := b.dialAll(ctx, ids)
	if err != nil {
		return nil, &SessionError{Stage: StageConnect, Err: err}
	}

	s := &Session{
		ID:        id,
		Client:    client,
		WorkerIDs: ids,
		Workers:   make([]*rpc.Conn, len(raws)),
		StartedAt: time.Now(),
		Logger:    logger,
	}
	for i, raw := range raws {
		s.Workers[i] = rpc.NewConn(raw,
			rpc.WithName("worker-"+ids[i].String()),
			rpc.WithLogger(logger.With().Int(log.FieldWorkerID, int(ids[i])).Logger()))
	}
	// A panicking coordinator must not leave the dialed workers open.
	defer func() {
		if r := recover(); r != nil {
			s.closeWorkers()
			panic(r)
		}
	}()

	if err := wireForwarding(s, b.cfg.RequestTimeout); err != nil {
		s.closeWorkers()
		return nil, &SessionError{Stage: StageAttach, Err: err}
	}
	if err := b.coord.Attach(ctx, s); err != nil {
		s.closeWorkers()
		return nil, &SessionError{Stage: StageAttach, Err: err}
	}

	// Nothing reads before this point, so no message can arrive ahead of
	// its handler.
	for _, w := range s.Workers {
		if err := w.Listen(ctx); err != nil {
			s.closeWorkers()
			return nil, &SessionError{Stage: StageAttach, Err: err}
		}
	}
	if err := client.Listen(ctx); err != nil {
		s.closeWorkers()
		return nil, &SessionError{Stage: StageAttach, Err: err}
	}
	return s, nil
}

// awaitReady waits for every selected worker to become ready.
func (b *Broker) awaitReady(ctx context.Context, ids []cluster.WorkerID) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ReadyTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			err := b.view.WaitReady(gctx, id)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("worker %s after %s: %w", id, b.cfg.ReadyTimeout, ErrReadinessTimeout)
			}
			return err
		})
	}
	return g.Wait()
}

// dialAll connects to every worker concurrently. Either all connections are
// returned or none are left open.
func (b *Broker) dialAll(ctx context.Context, ids []cluster.WorkerID) ([]net.Conn, error) {
	conns := make([]net.Conn, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, b.cfg.ConnectTimeout)
			defer cancel()

			addr := b.workerAddr(id)
			conn, err := b.dialer.DialContext(dctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("dial worker %s at %s: %w", id, addr, err)
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
		return nil, err
	}
	return conns, nil
}

func (b *Broker) workerAddr(id cluster.WorkerID) string {
	port := id.Port(b.cfg.BasePort)
	if info, ok := b.view.Lookup(id); ok && info.Port > 0 {
		port = info.Port
	}
	return net.JoinHostPort(b.cfg.WorkerHost, strconv.Itoa(port))
}

// showMessageParams is the LSP window/showMessage payload.
type showMessageParams struct {
	Message string `json:"message"`
	Type    int    `json:"type"`
}

const messageTypeError = 1

// reject tells the client why its session could not be set up and closes it.
func (b *Broker) reject(ctx context.Context, client *rpc.Conn, cause error) {
	defer client.Close()
	if err := client.Listen(ctx); err != nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = client.Notify(nctx, "window/showMessage", showMessageParams{
		Type:    messageTypeError,
		Message: cause.Error(),
	})
}

func (b *Broker) track(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.ID] = s
}

func (b *Broker) untrack(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s.ID)
}

func workerInts(ids []cluster.WorkerID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
