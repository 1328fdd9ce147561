// Package worker implements the worker side of the cluster: an endpoint on
// basePort+id that serves the master's connections, one protocol handler
// per connection.
//
// Worker Startup:
//
//	bind basePort+id ──► report {"event":"listening"} on stdout ──► serve
//
// The master only dials a worker after it has reported listening, so the
// report is written after the listener is bound, never before.
//
// Each accepted connection gets a fresh Handler from the HandlerFactory.
// Handlers are never shared, so per-connection state such as the workspace
// root needs no locking across connections.
//
// LanguageHandler is the default handler. It answers the LSP lifecycle
// requests, lists workspace files and serves document content. Files are
// read back through the master from the client; documents the client has
// opened are served from a storage.Store instead.
package worker
