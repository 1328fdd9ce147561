// Package rpc is the message-oriented transport shared by the master, its
// clients and its workers: JSON-RPC 2.0 over the LSP base protocol
// (Content-Length framed messages) on any byte stream.
//
// A Conn is configured first and started second:
//
//	conn := rpc.NewConn(netConn, rpc.WithName("client"))
//	conn.OnRequest("fs/readDir", readDir)   // register handlers
//	conn.Listen(ctx)                        // start reading
//	conn.Call(ctx, "initialize", params, &result)
//
// Handlers can only be registered before Listen, so no inbound message can
// race a handler that is about to be installed.
//
// Dispatch rules:
//   - Notifications are handled inline, in arrival order
//   - Requests are handled on their own goroutine, so several requests on one
//     connection may be in flight and complete out of order
//   - Responses are matched to calls by request id
//
// Errors returned by handlers reach the peer as JSON-RPC errors. A
// *jsonrpc2.Error anywhere in the chain is sent as is, so error codes
// survive a relay through several connections; anything else becomes an
// internal error. When a connection closes, pending calls fail with
// ErrClosed.
package rpc
