// Package broker owns the master's public endpoint. Each accepted client
// connection becomes a session backed by two freshly dialed worker
// connections.
//
// Session Establishment:
//
//	accept ──► select 2 live workers ──► wait until both are ready
//	                                          │ (bounded by ReadyTimeout)
//	                                          ▼
//	listen ◄── attach coordinator ◄── wire fs routes ◄── dial both at once
//
// Establishment is all or nothing. If selection, readiness or either dial
// fails, every connection opened so far is closed and the client receives a
// window/showMessage error before its connection is closed. The error is a
// *SessionError naming the failed stage.
//
// Forwarding:
//
// Every worker connection gets a route for fs/readDir and fs/readFile. A
// worker request on a route is reissued on the client connection with the
// same parameters and the client's answer, result or error, becomes the
// worker's response. Nothing is cached or batched.
//
// Teardown:
//
// Closing the client connection closes both worker connections of the
// session. A worker connection closing on its own leaves the session up;
// its pending calls fail with rpc.ErrClosed.
//
// The coordinator that implements the client-facing protocol is pluggable
// through SessionCoordinator. Relay is the default.
package broker
