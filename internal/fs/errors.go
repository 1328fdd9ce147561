package fs

import (
	"github.com/sourcegraph/jsonrpc2"

	"github.com/dreamware/lspfront/internal/rpc"
)

// Error codes carried by failed file operations.
const (
	CodeNotFound         int64 = -32001
	CodePermissionDenied int64 = -32002
	CodeNotAFile         int64 = -32003
	// CodeRequestTimeout is used by the master when the client did not
	// answer a forwarded request in time.
	CodeRequestTimeout int64 = -32004
)

// NotFound reports that path does not exist.
func NotFound(path string) *jsonrpc2.Error {
	return rpc.NewError(CodeNotFound, "not found: %s", path)
}

// PermissionDenied reports that path may not be read.
func PermissionDenied(path string) *jsonrpc2.Error {
	return rpc.NewError(CodePermissionDenied, "permission denied: %s", path)
}

// NotAFile reports that path is a directory or another non-regular file.
func NotAFile(path string) *jsonrpc2.Error {
	return rpc.NewError(CodeNotAFile, "not a file: %s", path)
}

// RequestTimeout reports that the client did not answer method in time.
func RequestTimeout(method string) *jsonrpc2.Error {
	return rpc.NewError(CodeRequestTimeout, "request timed out: %s", method)
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsPermissionDenied reports whether err carries CodePermissionDenied.
func IsPermissionDenied(err error) bool { return hasCode(err, CodePermissionDenied) }

// IsNotAFile reports whether err carries CodeNotAFile.
func IsNotAFile(err error) bool { return hasCode(err, CodeNotAFile) }

// IsRequestTimeout reports whether err carries CodeRequestTimeout, returned
// when a forwarded request outlives its deadline.
func IsRequestTimeout(err error) bool { return hasCode(err, CodeRequestTimeout) }

func hasCode(err error, code int64) bool {
	c, ok := rpc.ErrorCode(err)
	return ok && c == code
}
