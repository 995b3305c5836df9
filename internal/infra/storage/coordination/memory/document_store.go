// Package memory provides in-memory implementations of the coordination
// storage interfaces for testing and development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ahrav/taskward/internal/domain/coordination"
)

var _ coordination.DocumentStore = (*DocumentStore)(nil)

type storedDocument struct {
	body    []byte
	version coordination.Version
}

// DocumentStore provides an in-memory CAS document store. Documents are
// stored serialized so callers never share mutable state with the store,
// matching the isolation a real database gives.
type DocumentStore struct {
	mu   sync.Mutex
	docs map[coordination.JobID]*storedDocument
}

// NewDocumentStore creates an empty in-memory document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[coordination.JobID]*storedDocument)}
}

// Get retrieves the document for the given job.
func (s *DocumentStore) Get(ctx context.Context, jobID coordination.JobID) (*coordination.JobDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[jobID]
	if !ok {
		return nil, coordination.ErrDocumentNotFound
	}

	doc := new(coordination.JobDocument)
	if err := json.Unmarshal(stored.body, doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored document: %w", err)
	}
	doc.SetVersion(stored.version)
	return doc, nil
}

// Create persists the initial document with version 1/1.
func (s *DocumentStore) Create(ctx context.Context, doc *coordination.JobDocument) (coordination.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.JobID()]; ok {
		return coordination.Version{}, coordination.ErrDocumentExists
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return coordination.Version{}, fmt.Errorf("failed to marshal document: %w", err)
	}

	version := coordination.Version{SeqNo: 1, PrimaryTerm: 1}
	s.docs[doc.JobID()] = &storedDocument{body: body, version: version}
	doc.SetVersion(version)
	return version, nil
}

// Update performs the compare-and-swap write against the stored version.
func (s *DocumentStore) Update(ctx context.Context, doc *coordination.JobDocument, expected coordination.Version) (coordination.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[doc.JobID()]
	if !ok {
		return coordination.Version{}, coordination.ErrVersionConflict
	}
	if stored.version != expected {
		return coordination.Version{}, coordination.ErrVersionConflict
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return coordination.Version{}, fmt.Errorf("failed to marshal document: %w", err)
	}

	next := coordination.Version{SeqNo: expected.SeqNo + 1, PrimaryTerm: expected.PrimaryTerm}
	stored.body = body
	stored.version = next
	return next, nil
}
