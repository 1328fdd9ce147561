package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/dreamware/lspfront/internal/log"
)

// Request is an inbound request or notification.
type Request struct {
	Method string
	Params json.RawMessage
	Notif  bool
}

// Unmarshal decodes the request parameters into v.
func (r *Request) Unmarshal(v any) error {
	if len(r.Params) == 0 {
		return NewError(CodeInvalidParams, "%s: missing params", r.Method)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return NewError(CodeInvalidParams, "%s: %v", r.Method, err)
	}
	return nil
}

// Handler answers one request. The result of a notification is discarded.
type Handler func(ctx context.Context, req *Request) (any, error)

// Option configures a Conn.
type Option func(*Conn)

// WithName labels the connection in logs.
func WithName(name string) Option {
	return func(c *Conn) {
		c.name = name
	}
}

// WithLogger replaces the connection's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Conn is a JSON-RPC connection over a byte stream.
//
// Thread-safe: Call, Notify and Close may be used from any goroutine once
// Listen has returned.
type Conn struct {
	rwc      io.ReadWriteCloser
	handlers map[string]Handler
	fallback Handler
	conn     *jsonrpc2.Conn
	done     chan struct{}
	logger   zerolog.Logger
	name     string
	mu       sync.RWMutex
	doneOnce sync.Once
	closed   bool
}

// NewConn wraps rwc. Nothing is read until Listen is called.
func NewConn(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:      rwc,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
		name:     "conn",
		logger:   log.WithComponent("rpc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("conn", c.name).Logger()
	return c
}

// Name returns the connection label.
func (c *Conn) Name() string {
	return c.name
}

// OnRequest registers the handler for method. Registering a method twice
// replaces the earlier handler.
func (c *Conn) OnRequest(method string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("register %q: %w", method, ErrAlreadyListening)
	}
	c.handlers[method] = h
	return nil
}

// OnFallback registers the handler for methods without their own handler.
// Without one, unknown requests fail with CodeMethodNotFound and unknown
// notifications are dropped.
func (c *Conn) OnFallback(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("register fallback: %w", ErrAlreadyListening)
	}
	c.fallback = h
	return nil
}

// Methods returns the registered method names, sorted.
func (c *Conn) Methods() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	methods := make([]string, 0, len(c.handlers))
	for m := range c.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Listen starts reading messages. The connection is closed when ctx ends.
func (c *Conn) Listen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return ErrAlreadyListening
	}

	stream := jsonrpc2.NewBufferedStream(c.rwc, jsonrpc2.VSCodeObjectCodec{})
	handler := dispatcher{jsonrpc2.HandlerWithError(c.handle).SuppressErrClosed()}
	c.conn = jsonrpc2.NewConn(ctx, stream, handler, jsonrpc2.SetLogger(&c.logger))

	conn := c.conn
	go func() {
		select {
		case <-conn.DisconnectNotify():
		case <-ctx.Done():
			_ = conn.Close()
			<-conn.DisconnectNotify()
		}
		c.markDone()
	}()
	return nil
}

// Call sends a request and decodes the response into result, which may be
// nil. A JSON-RPC error from the peer is returned as *jsonrpc2.Error.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	conn, err := c.active()
	if err != nil {
		return err
	}
	return conn.Call(ctx, method, params, result)
}

// Notify sends a notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	conn, err := c.active()
	if err != nil {
		return err
	}
	return conn.Notify(ctx, method, params)
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	conn := c.conn
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if conn == nil {
		var err error
		if !wasClosed {
			err = c.rwc.Close()
		}
		c.markDone()
		return err
	}
	err := conn.Close()
	if err == jsonrpc2.ErrClosed {
		err = nil
	}
	<-conn.DisconnectNotify()
	return err
}

// Done is closed once the connection is closed by either side.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() {
		c.logger.Debug().Msg("connection closed")
		close(c.done)
	})
}

func (c *Conn) active() (*jsonrpc2.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		if c.closed {
			return nil, ErrClosed
		}
		return nil, ErrNotListening
	}
	return c.conn, nil
}

func (c *Conn) lookup(method string) Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.handlers[method]; ok {
		return h
	}
	return c.fallback
}

func (c *Conn) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str(log.FieldMethod, req.Method).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")
			result, err = nil, NewError(CodeInternalError, "%s: internal error", req.Method)
		}
	}()

	h := c.lookup(req.Method)
	if h == nil {
		if req.Notif {
			c.logger.Debug().Str(log.FieldMethod, req.Method).Msg("dropping unhandled notification")
			return nil, nil
		}
		return nil, NewError(CodeMethodNotFound, "method not found: %s", req.Method)
	}

	r := &Request{Method: req.Method, Notif: req.Notif}
	if req.Params != nil {
		r.Params = *req.Params
	}
	result, err = h(ctx, r)
	if err != nil {
		if req.Notif {
			c.logger.Warn().Err(err).Str(log.FieldMethod, req.Method).Msg("notification handler failed")
			return nil, nil
		}
		// HandlerWithError only recognizes the bare *jsonrpc2.Error type.
		return nil, AsError(err)
	}
	return result, nil
}

// dispatcher runs notifications inline to keep their order and requests on
// their own goroutine so a slow request does not stall the read loop.
type dispatcher struct {
	h jsonrpc2.Handler
}

func (d dispatcher) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		d.h.Handle(ctx, conn, req)
		return
	}
	go d.h.Handle(ctx, conn, req)
}
