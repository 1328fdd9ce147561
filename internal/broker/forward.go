package broker

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/lspfront/internal/fs"
	"github.com/dreamware/lspfront/internal/log"
	"github.com/dreamware/lspfront/internal/metrics"
	"github.com/dreamware/lspfront/internal/rpc"
)

// wireForwarding installs the fs routes on every worker connection of s.
// Each route reissues the worker's request on the client connection.
func wireForwarding(s *Session, timeout time.Duration) error {
	for _, w := range s.Workers {
		if err := w.OnRequest(fs.MethodReadDir, forwardRoute[string, []fs.FileInfo](s, fs.MethodReadDir, timeout)); err != nil {
			return err
		}
		if err := w.OnRequest(fs.MethodReadFile, forwardRoute[string, string](s, fs.MethodReadFile, timeout)); err != nil {
			return err
		}
	}
	return nil
}

// forwardRoute relays one request kind to the client. P and R are the
// request's parameter and result shapes.
func forwardRoute[P, R any](s *Session, method string, timeout time.Duration) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) (any, error) {
		var params P
		if err := req.Unmarshal(&params); err != nil {
			metrics.IncForwarded(method, "invalid")
			return nil, err
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		var result R
		err := s.Client.Call(ctx, method, params, &result)
		switch {
		case err == nil:
			metrics.IncForwarded(method, "ok")
			return result, nil
		case errors.Is(err, context.DeadlineExceeded):
			metrics.IncForwarded(method, "timeout")
			s.Logger.Warn().Str(log.FieldMethod, method).Dur("timeout", timeout).Msg("forwarded request timed out")
			return nil, fs.RequestTimeout(method)
		default:
			metrics.IncForwarded(method, "error")
			return nil, err
		}
	}
}
