package rpc

import (
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

var (
	// ErrNotListening is returned by Call and Notify before Listen.
	ErrNotListening = errors.New("rpc: connection is not listening")
	// ErrAlreadyListening is returned when configuring a started connection.
	ErrAlreadyListening = errors.New("rpc: connection already listening")
	// ErrClosed is returned for calls on, or pending on, a closed connection.
	ErrClosed = jsonrpc2.ErrClosed
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError
)

// NewError builds a wire error with the given code.
func NewError(code int64, format string, args ...any) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts err into the error sent to the peer. A *jsonrpc2.Error in
// the chain is returned unchanged; anything else is an internal error.
func AsError(err error) *jsonrpc2.Error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &jsonrpc2.Error{Code: CodeInternalError, Message: err.Error()}
}

// ErrorCode reports the JSON-RPC code carried by err, if any.
func ErrorCode(err error) (int64, bool) {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, true
	}
	return 0, false
}
