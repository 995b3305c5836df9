// Package coordination implements the persistent task coordination engine:
// claiming jobs for an allocation, persisting checkpoints with single-flight
// semantics, and driving each job's lifecycle from assignment through a
// terminal outcome.
package coordination

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/pkg/common/logger"
)

// maxClaimAttempts bounds the read-compare-write cycle on version conflicts.
// Conflicts indicate another writer momentarily racing, not a persistent
// fault, so retries are immediate with no backoff.
const maxClaimAttempts = 3

// Assigner claims a job document for an allocation. A claim succeeds only
// when the caller's allocation id strictly supersedes whatever the document
// currently records; once a newer allocation has claimed, every older claim
// is rejected permanently.
type Assigner struct {
	store domain.DocumentStore

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAssigner returns an Assigner backed by the given document store.
func NewAssigner(store domain.DocumentStore, logger *logger.Logger, tracer trace.Tracer) *Assigner {
	logger = logger.With("component", "assigner")
	return &Assigner{store: store, logger: logger, tracer: tracer}
}

// Claim performs the read-compare-write cycle that records the allocation as
// the document's owner. Version conflicts are retried up to maxClaimAttempts
// with the attempt count threaded through the loop; supersession and store
// faults fail immediately with a classified AssignmentError.
func (a *Assigner) Claim(ctx context.Context, jobID domain.JobID, allocation domain.AllocationID) (*domain.JobDocument, error) {
	ctx, span := a.tracer.Start(ctx, "assigner.coordination.claim",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.Int64("allocation_id", int64(allocation)),
		))
	defer span.End()

	for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
		doc, err := a.store.Get(ctx, jobID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read job document")
			return nil, domain.NewAssignmentError(jobID, allocation, domain.AssignmentFailedToRead, err)
		}

		if err := doc.Assign(allocation); err != nil {
			// A newer (or equal) allocation already owns the document. This
			// is a hard invariant, never retried: an old allocation must not
			// resurrect after a newer one has taken over.
			span.AddEvent("claim_superseded", trace.WithAttributes(
				attribute.Int64("existing_allocation_id", int64(*doc.AllocationID())),
			))
			span.SetStatus(codes.Error, "claim superseded by newer allocation")
			return nil, domain.NewAssignmentError(jobID, allocation, domain.AssignmentSuperseded, err)
		}

		newVersion, err := a.store.Update(ctx, doc, doc.Version())
		if err == nil {
			doc.SetVersion(newVersion)
			span.AddEvent("claim_succeeded", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("version", newVersion.String()),
			))
			span.SetStatus(codes.Ok, "claim succeeded")
			a.logger.Debug(ctx, "Claimed job document",
				"job_id", jobID,
				"allocation_id", allocation,
				"attempt", attempt,
			)
			return doc, nil
		}

		if errors.Is(err, domain.ErrVersionConflict) {
			span.AddEvent("claim_version_conflict", trace.WithAttributes(
				attribute.Int("attempt", attempt),
			))
			a.logger.Debug(ctx, "Claim lost a version race, retrying",
				"job_id", jobID,
				"allocation_id", allocation,
				"attempt", attempt,
			)
			continue
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write claim")
		return nil, domain.NewAssignmentError(jobID, allocation, domain.AssignmentFailedToWrite, err)
	}

	span.SetStatus(codes.Error, "claim retries exhausted")
	a.logger.Warn(ctx, "Claim retries exhausted",
		"job_id", jobID,
		"allocation_id", allocation,
		"attempts", maxClaimAttempts,
	)
	return nil, domain.NewAssignmentError(jobID, allocation, domain.AssignmentRetriesExhausted, nil)
}
