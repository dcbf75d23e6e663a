// Package documents tracks the text documents the client has opened, plus an
// optional filesystem watcher over the workspace root.
package documents

// Document is an open text document mirrored from the client.
type Document struct {
	URI        string
	Text       string
	LanguageID string
	Version    int
}

// Snapshot is a point-in-time copy of the open documents, safe to hand to
// collaborators that run outside the dispatch loop.
type Snapshot map[string]Document

// Get returns the text of a document in the snapshot.
func (s Snapshot) Get(uri string) (string, bool) {
	d, ok := s[uri]
	return d.Text, ok
}

// Store is the in-memory map of open documents. It is exclusively owned by
// the transport loop goroutine; it is deliberately unsynchronized and must
// not be shared across goroutines (hand out a Snapshot instead).
type Store struct {
	docs map[string]Document
}

// NewStore returns an empty document store.
func NewStore() *Store {
	return &Store{docs: make(map[string]Document)}
}

// Open records a newly opened document, replacing any previous entry for the
// same URI.
func (s *Store) Open(uri, text, languageID string, version int) {
	s.docs[uri] = Document{URI: uri, Text: text, LanguageID: languageID, Version: version}
}

// Change replaces the full text of an open document. Changing an unknown URI
// is a no-op.
func (s *Store) Change(uri, text string, version int) {
	d, ok := s.docs[uri]
	if !ok {
		return
	}
	d.Text = text
	if version != 0 {
		d.Version = version
	}
	s.docs[uri] = d
}

// Close removes a document. Closing an unknown URI is a no-op.
func (s *Store) Close(uri string) {
	delete(s.docs, uri)
}

// Get returns the document for uri, if open.
func (s *Store) Get(uri string) (Document, bool) {
	d, ok := s.docs[uri]
	return d, ok
}

// Len reports the number of open documents.
func (s *Store) Len() int { return len(s.docs) }

// Snapshot copies the current document set.
func (s *Store) Snapshot() Snapshot {
	cp := make(Snapshot, len(s.docs))
	for uri, d := range s.docs {
		cp[uri] = d
	}
	return cp
}
