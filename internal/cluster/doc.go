// Package cluster defines the identity and lifecycle vocabulary shared by the
// lspfront master and its worker processes.
//
// # Overview
//
// The master process owns a pool of worker processes. Each worker is
// identified by a WorkerID that is unique for the lifetime of the master and
// listens on a port derived from that id:
//
//	port = basePort + id
//
// Worker ids start at 1, so no worker ever collides with the public listening
// port of the master (basePort itself).
//
// # Topology
//
//	              ┌──────────────────┐
//	LSP client ──▶│      master      │
//	              │  broker :2089    │
//	              └───┬──────────┬───┘
//	                  │          │
//	        ┌─────────▼──┐    ┌──▼─────────┐
//	        │ worker 1   │    │ worker 2   │ ...
//	        │ :2090      │    │ :2091      │
//	        └────────────┘    └────────────┘
//
// # Lifecycle Messages
//
// A worker tells the master it has bound its endpoint by writing a single
// JSON object on one line to its stdout:
//
//	{"event":"listening","addr":"127.0.0.1:2092","worker_id":3}
//
// The master turns these lines, the end of the stdout stream and the exit of
// the process into LifecycleEvent values:
//
//	listening     → worker is ready to accept connections
//	disconnected  → stdout closed; the worker can no longer report
//	exited        → process exited; Reason carries the exit code or signal
//
// Worker state is never shared through memory. Everything the master knows
// about a worker arrives as one of these events.
//
// # Liveness
//
// A worker record moves through the following states:
//
//	alive ⇄ unhealthy
//	  │         │
//	  ▼         ▼
//	disconnected ──▶ exited
//
// Only alive workers are eligible for new sessions. The disconnected and
// exited states are terminal for that worker id.
package cluster
