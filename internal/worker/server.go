package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dreamware/lspfront/internal/cluster"
	"github.com/dreamware/lspfront/internal/log"
	"github.com/dreamware/lspfront/internal/rpc"
)

// Handler installs a protocol implementation on one connection.
type Handler interface {
	Register(conn *rpc.Conn) error
}

// HandlerFactory returns a new Handler for every accepted connection.
type HandlerFactory func() Handler

// Config identifies the worker and its endpoint.
type Config struct {
	Host string
	ID   cluster.WorkerID
	Port int
}

// Server accepts connections from the master.
//
// Thread-safe: All methods are safe for concurrent access.
type Server struct {
	factory HandlerFactory
	ln      net.Listener
	conns   map[*rpc.Conn]struct{}
	logger  zerolog.Logger
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewServer creates a server that builds handlers with factory.
func NewServer(cfg Config, factory HandlerFactory) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Server{
		cfg:     cfg,
		factory: factory,
		conns:   make(map[*rpc.Conn]struct{}),
		logger:  log.WithComponent("worker").With().Int(log.FieldWorkerID, int(cfg.ID)).Logger(),
	}
}

// Listen binds the worker endpoint.
func (s *Server) Listen(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("worker %s listen %s: %w", s.cfg.ID, addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Str(log.FieldAddr, ln.Addr().String()).Msg("worker listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListeningMessage is the lifecycle message announcing this endpoint.
func (s *Server) ListeningMessage() cluster.LifecycleMessage {
	m := cluster.LifecycleMessage{Event: cluster.EventListening, WorkerID: s.cfg.ID}
	if addr := s.Addr(); addr != nil {
		m.Addr = addr.String()
	}
	return m
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve accepts connections until ctx ends, then closes every connection
// and waits for them.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("worker: Serve called before Listen")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	defer s.wg.Wait()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("worker %s accept: %w", s.cfg.ID, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, raw)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	logger := s.logger.With().Str("remote", raw.RemoteAddr().String()).Logger()
	conn := rpc.NewConn(raw, rpc.WithName("master"), rpc.WithLogger(logger))

	if err := s.factory().Register(conn); err != nil {
		logger.Error().Err(err).Msg("handler registration failed")
		_ = conn.Close()
		return
	}
	if err := conn.Listen(ctx); err != nil {
		logger.Error().Err(err).Msg("listen failed")
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	logger.Debug().Msg("connection opened")

	<-conn.Done()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	logger.Debug().Msg("connection closed")
}
