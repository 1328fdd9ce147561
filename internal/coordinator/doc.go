// Package coordinator implements the control plane of the lspfront master:
// the worker registry, randomized worker selection, and the supervisor that
// spawns worker processes and turns their lifecycle events into registry
// updates.
//
// # Overview
//
// The master owns a fixed-size pool of worker processes. Every incoming client
// session is served by two of them, picked at random. The coordinator package
// answers the questions the session broker asks before it opens any
// connection:
//
//   - Which workers may be used right now? (WorkerRegistry.LiveWorkerIDs)
//   - Pick K of them, uniformly and without replacement. (SelectDistinct)
//   - Is the picked worker accepting connections yet? (WorkerRegistry.WaitReady)
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            COORDINATOR              │
//	├─────────────────────────────────────┤
//	│                                     │
//	│  ┌──────────────────────────────┐   │
//	│  │   Supervisor (sole writer)   │   │
//	│  │   - spawn / respawn workers  │   │
//	│  │   - lifecycle events         │   │
//	│  │   - health monitor           │   │
//	│  └──────────────┬───────────────┘   │
//	│                 │ Register          │
//	│                 │ MarkReady         │
//	│                 │ MarkGone          │
//	│  ┌──────────────▼───────────────┐   │
//	│  │   WorkerRegistry             │   │
//	│  │   - id → record              │   │
//	│  │   - one-shot readiness       │   │
//	│  └──────────────┬───────────────┘   │
//	│                 │ WorkerView        │
//	│                 ▼ (read only)       │
//	│          session broker             │
//	└─────────────────────────────────────┘
//
// # Ownership
//
// The Supervisor is the only component that mutates the registry. The broker
// is handed the registry through the read-only WorkerView interface. Workers
// never see the registry at all: their state changes reach the master as
// lifecycle messages on stdout and as process exit notifications.
//
// # Readiness
//
// Each worker record carries a one-shot readiness signal. Firing it twice is
// a no-op, because lifecycle events can race with consumers. A worker that is
// marked gone before it became ready releases every waiter with ErrWorkerGone
// rather than leaving them blocked. No one polls.
//
// # Selection
//
// SelectDistinct runs a partial Fisher–Yates shuffle over a fresh copy of the
// candidate list on every call:
//
//	candidates: [w1 w2 w3 w4 w5]   remaining = 5
//	pick j=1 (w2), swap with w5    [w1 w5 w3 w4 | w2]   remaining = 4
//	pick j=0 (w1), swap with w4    [w4 w5 w3 | w1 w2]   remaining = 3
//	selected: [w2 w1]
//
// Every ordered n-subset is equally likely and the cost is O(n) swaps. No
// shuffle state survives between calls, so concurrent sessions cannot
// interfere with each other.
//
// # Concurrency
//
//   - WorkerRegistry: RWMutex; reads run in parallel, writes are serialized.
//   - Readiness waits block on channels, never while holding the lock.
//   - Supervisor: one goroutine per worker process draining its events.
//
// # Failure Handling
//
// Worker disconnect or exit:
//   - Registry record is kept for diagnostics with its terminal liveness
//   - The id disappears from LiveWorkerIDs immediately
//   - Optional bounded respawn with exponential backoff (RespawnLimit)
//
// Hung workers:
//   - Optional health monitor dials each ready worker periodically
//   - 3 consecutive failures mark the worker unhealthy until a check succeeds
//
// # See Also
//
//   - internal/cluster: identity and lifecycle types
//   - internal/broker: session establishment on top of WorkerView
//   - cmd/worker: the process spawned by ExecSpawner
package coordinator
