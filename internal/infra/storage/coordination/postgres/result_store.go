package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/internal/infra/storage"
)

var _ coordination.ResultStore = (*resultStore)(nil)

// resultStore persists terminal outcomes beyond the registry entry's
// lifetime for jobs submitted with the retain-result option.
type resultStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewResultStore creates a PostgreSQL-backed result store.
func NewResultStore(pool *pgxpool.Pool, tracer trace.Tracer) *resultStore {
	return &resultStore{pool: pool, tracer: tracer}
}

const upsertResultQuery = `
INSERT INTO job_results (job_id, allocation_id, node, result, failure)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id, allocation_id)
DO UPDATE SET result = EXCLUDED.result, failure = EXCLUDED.failure, stored_at = now()`

// StoreResult records the terminal result or failure for the allocation. The
// write is idempotent per (job, allocation) so a retried finalize does not
// duplicate rows.
func (s *resultStore) StoreResult(
	ctx context.Context,
	handle coordination.TaskHandle,
	result json.RawMessage,
	failure *coordination.Failure,
) error {
	dbAttrs := append(defaultDBAttributes,
		attribute.String("job_id", handle.JobID().String()),
		attribute.Int64("allocation_id", int64(handle.AllocationID())),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.store_job_result", dbAttrs, func(ctx context.Context) error {
		var failureBody []byte
		if failure != nil {
			var err error
			failureBody, err = json.Marshal(failure)
			if err != nil {
				return fmt.Errorf("failed to marshal failure: %w", err)
			}
		}

		_, err := s.pool.Exec(ctx, upsertResultQuery,
			handle.JobID().String(),
			int64(handle.AllocationID()),
			handle.Node(),
			[]byte(result),
			failureBody,
		)
		if err != nil {
			return fmt.Errorf("failed to store job result: %w", err)
		}
		return nil
	})
}
