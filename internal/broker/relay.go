package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/lspfront/internal/log"
	"github.com/dreamware/lspfront/internal/rpc"
)

// secondaryMethods are the long-running cross-file queries sent to the
// second worker of a session so they do not queue behind interactive
// requests on the first.
var secondaryMethods = []string{
	"textDocument/references",
	"workspace/symbol",
	"workspace/xreferences",
}

// Relay is the default session coordinator. It splits client traffic
// across the session's two workers and passes worker traffic back.
//
// Routing:
//   - initialize: both workers, the primary's result is returned
//   - shutdown: both workers, null once both answered
//   - cross-file queries (references, workspace symbols): secondary
//   - any other request: primary
//   - notifications: every worker, in arrival order
//   - worker requests and notifications without a route: the client
type Relay struct{}

// Attach registers the relay handlers on s.
func (Relay) Attach(_ context.Context, s *Session) error {
	if len(s.Workers) < 2 {
		return fmt.Errorf("relay needs 2 workers, session has %d", len(s.Workers))
	}
	primary, secondary := s.Workers[0], s.Workers[1]

	errs := []error{
		s.Client.OnRequest("initialize", func(ctx context.Context, req *rpc.Request) (any, error) {
			results, err := fanOut(ctx, s.Workers, req)
			if err != nil {
				return nil, err
			}
			return results[0], nil
		}),
		s.Client.OnRequest("shutdown", func(ctx context.Context, req *rpc.Request) (any, error) {
			if _, err := fanOut(ctx, s.Workers, req); err != nil {
				return nil, err
			}
			return nil, nil
		}),
		s.Client.OnFallback(func(ctx context.Context, req *rpc.Request) (any, error) {
			if req.Notif {
				broadcast(ctx, s, req)
				return nil, nil
			}
			return relay(ctx, primary, req)
		}),
	}
	for _, method := range secondaryMethods {
		errs = append(errs, s.Client.OnRequest(method, func(ctx context.Context, req *rpc.Request) (any, error) {
			return relay(ctx, secondary, req)
		}))
	}

	toClient := func(ctx context.Context, req *rpc.Request) (any, error) {
		return relay(ctx, s.Client, req)
	}
	for _, w := range s.Workers {
		errs = append(errs, w.OnFallback(toClient))
	}
	return errors.Join(errs...)
}

// relay reissues req on to and returns the peer's raw result.
func relay(ctx context.Context, to *rpc.Conn, req *rpc.Request) (any, error) {
	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	if req.Notif {
		return nil, to.Notify(ctx, req.Method, params)
	}
	var result json.RawMessage
	if err := to.Call(ctx, req.Method, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// fanOut sends req to every worker at once and returns their results in
// worker order. Any failure fails the whole request.
func fanOut(ctx context.Context, workers []*rpc.Conn, req *rpc.Request) ([]any, error) {
	results := make([]any, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		g.Go(func() error {
			res, err := relay(gctx, w, req)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// broadcast delivers a client notification to every worker. A worker that
// is gone does not stop delivery to the others.
func broadcast(ctx context.Context, s *Session, req *rpc.Request) {
	for i, w := range s.Workers {
		if _, err := relay(ctx, w, req); err != nil {
			s.Logger.Debug().Err(err).
				Str(log.FieldMethod, req.Method).
				Int(log.FieldWorkerID, int(s.WorkerIDs[i])).
				Msg("notification not delivered")
		}
	}
}
