package fs

import (
	"context"
	"errors"

	"github.com/dreamware/lspfront/internal/rpc"
)

// Registrar accepts request handlers, as *rpc.Conn does.
type Registrar interface {
	OnRequest(method string, h rpc.Handler) error
}

// Register serves p's operations on r.
func Register(r Registrar, p Provider) error {
	return errors.Join(
		r.OnRequest(MethodReadDir, func(ctx context.Context, req *rpc.Request) (any, error) {
			var path string
			if err := req.Unmarshal(&path); err != nil {
				return nil, err
			}
			entries, err := p.ReadDir(ctx, path)
			if err != nil {
				return nil, err
			}
			if entries == nil {
				entries = []FileInfo{}
			}
			return entries, nil
		}),
		r.OnRequest(MethodReadFile, func(ctx context.Context, req *rpc.Request) (any, error) {
			var path string
			if err := req.Unmarshal(&path); err != nil {
				return nil, err
			}
			return p.ReadFile(ctx, path)
		}),
	)
}

// Check that *rpc.Conn satisfies both sides of the contract.
var (
	_ Registrar = (*rpc.Conn)(nil)
	_ Caller    = (*rpc.Conn)(nil)
)
