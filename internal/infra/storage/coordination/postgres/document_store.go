// Package postgres provides PostgreSQL-backed implementations of the
// coordination storage interfaces.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

var _ coordination.DocumentStore = (*documentStore)(nil)

// documentStore persists job documents in PostgreSQL. The document body is a
// single JSONB column; the CAS token lives in adjacent seq_no/primary_term
// columns and every write is guarded by them, so a concurrent writer that
// read an older version loses with a version conflict rather than clobbering
// the row.
type documentStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewDocumentStore creates a PostgreSQL-backed document store using the
// provided connection pool.
func NewDocumentStore(pool *pgxpool.Pool, tracer trace.Tracer) *documentStore {
	return &documentStore{pool: pool, tracer: tracer}
}

const getDocumentQuery = `
SELECT document, seq_no, primary_term
FROM job_documents
WHERE job_id = $1`

// Get retrieves the document and the version of this read.
func (s *documentStore) Get(ctx context.Context, jobID coordination.JobID) (*coordination.JobDocument, error) {
	var doc *coordination.JobDocument
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_job_document", dbAttrs, func(ctx context.Context) error {
		var (
			body    []byte
			version coordination.Version
		)
		row := s.pool.QueryRow(ctx, getDocumentQuery, jobID.String())
		if err := row.Scan(&body, &version.SeqNo, &version.PrimaryTerm); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return coordination.ErrDocumentNotFound
			}
			return fmt.Errorf("failed to read job document: %w", err)
		}

		hydrated := new(coordination.JobDocument)
		if err := json.Unmarshal(body, hydrated); err != nil {
			return fmt.Errorf("failed to unmarshal job document: %w", err)
		}
		hydrated.SetVersion(version)
		doc = hydrated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

const insertDocumentQuery = `
INSERT INTO job_documents (job_id, document, seq_no, primary_term)
VALUES ($1, $2, 1, 1)
ON CONFLICT (job_id) DO NOTHING`

// Create persists the initial document with version 1/1.
func (s *documentStore) Create(ctx context.Context, doc *coordination.JobDocument) (coordination.Version, error) {
	created := coordination.Version{SeqNo: 1, PrimaryTerm: 1}
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", doc.JobID().String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_job_document", dbAttrs, func(ctx context.Context) error {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal job document: %w", err)
		}

		tag, err := s.pool.Exec(ctx, insertDocumentQuery, doc.JobID().String(), body)
		if err != nil {
			return fmt.Errorf("failed to insert job document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return coordination.ErrDocumentExists
		}
		return nil
	})
	if err != nil {
		return coordination.Version{}, err
	}
	doc.SetVersion(created)
	return created, nil
}

const updateDocumentQuery = `
UPDATE job_documents
SET document = $2, seq_no = seq_no + 1, updated_at = now()
WHERE job_id = $1 AND seq_no = $3 AND primary_term = $4`

// Update performs the compare-and-swap write. A row that no longer matches
// the expected version, or no longer exists, yields ErrVersionConflict.
func (s *documentStore) Update(ctx context.Context, doc *coordination.JobDocument, expected coordination.Version) (coordination.Version, error) {
	next := coordination.Version{SeqNo: expected.SeqNo + 1, PrimaryTerm: expected.PrimaryTerm}
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", doc.JobID().String()),
		attribute.String("expected_version", expected.String()),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_job_document", dbAttrs, func(ctx context.Context) error {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal job document: %w", err)
		}

		tag, err := s.pool.Exec(ctx, updateDocumentQuery,
			doc.JobID().String(), body, expected.SeqNo, expected.PrimaryTerm)
		if err != nil {
			return fmt.Errorf("failed to update job document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return coordination.ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		return coordination.Version{}, err
	}
	return next, nil
}
