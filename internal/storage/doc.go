// Package storage holds the text of documents a client has opened on a
// worker connection.
//
// # Overview
//
// A client that opens a document owns its text until it closes it; the
// worker must answer from that text rather than from the file on disk.
// Store is the contract the worker's language handler programs against:
//
//	┌──────────────────────────┐
//	│   worker.LanguageHandler │
//	│  didOpen/didChange/Close │
//	└────────────┬─────────────┘
//	             ▼
//	┌──────────────────────────┐
//	│      storage.Store       │
//	└────────────┬─────────────┘
//	             ▼
//	┌──────────────────────────┐
//	│       MemoryStore        │
//	└──────────────────────────┘
//
// # Versions
//
// Each document carries the version the client last sent. An update whose
// version is not newer than the stored one is rejected with ErrStaleVersion.
// Version 0 means the client does not version the document and is always
// accepted.
//
// # Thread Safety
//
// All Store implementations must be safe for concurrent use. MemoryStore
// copies text on the way in and out so callers never share buffers with it.
package storage
