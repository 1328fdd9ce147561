package storage

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

var (
	// ErrDocumentNotFound is returned for a URI that is not open.
	ErrDocumentNotFound = errors.New("document not open")
	// ErrStaleVersion is returned when an update does not advance the version.
	ErrStaleVersion = errors.New("stale document version")
)

// Document is one open document.
type Document struct {
	OpenedAt time.Time
	URI      string
	Text     []byte
	Version  int
}

// Store keeps the text of open documents.
type Store interface {
	// Open stores text for uri, replacing any document already open there.
	Open(uri string, version int, text []byte) error

	// Update replaces the text of an open document.
	// Returns ErrDocumentNotFound or ErrStaleVersion.
	Update(uri string, version int, text []byte) error

	// Get returns a copy of the open document.
	Get(uri string) (Document, error)

	// Close forgets the document. Closing an unknown URI is not an error.
	Close(uri string) error

	// List returns the open URIs in sorted order.
	List() []string

	// Stats returns storage statistics.
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Documents int // Number of open documents
	Bytes     int // Total size of their text
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	docs map[string]Document
	now  func() time.Time
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Document),
		now:  time.Now,
	}
}

// Open stores a copy of text.
func (m *MemoryStore) Open(uri string, version int, text []byte) error {
	if uri == "" {
		return errors.New("storage: empty document uri")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs[uri] = Document{
		OpenedAt: m.now(),
		URI:      uri,
		Text:     slices.Clone(text),
		Version:  version,
	}
	return nil
}

// Update stores a copy of text if version advances the document.
func (m *MemoryStore) Update(uri string, version int, text []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[uri]
	if !ok {
		return ErrDocumentNotFound
	}
	if version != 0 && version <= doc.Version {
		return ErrStaleVersion
	}
	doc.Text = slices.Clone(text)
	if version != 0 {
		doc.Version = version
	}
	m.docs[uri] = doc
	return nil
}

// Get returns a copy of the document.
func (m *MemoryStore) Get(uri string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[uri]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	doc.Text = slices.Clone(doc.Text)
	return doc, nil
}

// Close removes the document (idempotent).
func (m *MemoryStore) Close(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.docs, uri)
	return nil
}

// List returns the open URIs in sorted order.
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	uris := make([]string, 0, len(m.docs))
	for uri := range m.docs {
		uris = append(uris, uri)
	}
	m.mu.RUnlock()

	slices.Sort(uris)
	return uris
}

// Stats returns storage statistics.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, doc := range m.docs {
		total += len(doc.Text)
	}
	return StoreStats{
		Documents: len(m.docs),
		Bytes:     total,
	}
}
