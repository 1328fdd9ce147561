package fs

import (
	"context"
	"errors"
	"path"
)

// Caller issues a request and decodes its result.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// Remote is a Provider that asks the peer on the other end of a connection.
type Remote struct {
	caller Caller
}

// NewRemote returns a Provider backed by caller.
func NewRemote(caller Caller) *Remote {
	return &Remote{caller: caller}
}

// ReadDir lists path on the peer.
func (r *Remote) ReadDir(ctx context.Context, p string) ([]FileInfo, error) {
	var entries []FileInfo
	if err := r.caller.Call(ctx, MethodReadDir, p, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFile returns the contents of path on the peer.
func (r *Remote) ReadFile(ctx context.Context, p string) (string, error) {
	var contents string
	if err := r.caller.Call(ctx, MethodReadFile, p, &contents); err != nil {
		return "", err
	}
	return contents, nil
}

// SkipDir can be returned by a WalkFunc to skip a directory's contents.
var SkipDir = errors.New("skip this directory")

// WalkFunc is called for every entry below the walk root with its full path.
type WalkFunc func(p string, info FileInfo) error

// Walk visits every entry below root depth first, in the order the provider
// lists them. Directories that disappear or cannot be read during the walk
// are skipped; any other error stops it.
func Walk(ctx context.Context, p Provider, root string, fn WalkFunc) error {
	entries, err := p.ReadDir(ctx, root)
	if err != nil {
		if IsNotFound(err) || IsPermissionDenied(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := path.Join(root, e.Name)
		if err := fn(full, e); err != nil {
			if errors.Is(err, SkipDir) && e.IsDir() {
				continue
			}
			return err
		}
		if e.IsDir() {
			if err := Walk(ctx, p, full, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
