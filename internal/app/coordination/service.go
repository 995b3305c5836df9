package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/internal/domain/events"
	"github.com/ahrav/taskward/pkg/common/logger"
)

// JobService is the submission-side API for persistent jobs. It creates the
// durable document and the registry entry for a new job, exposes blocking
// waits on lifecycle conditions, and cancels active jobs. Node-side
// execution is the Supervisor's concern; the two share only the store and
// registry.
type JobService struct {
	store     domain.DocumentStore
	registry  domain.TaskRegistry
	publisher events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewJobService creates a JobService backed by the given store and registry.
func NewJobService(
	store domain.DocumentStore,
	registry domain.TaskRegistry,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *JobService {
	return &JobService{
		store:     store,
		registry:  registry,
		publisher: publisher,
		logger:    logger.With("component", "job_service"),
		tracer:    tracer,
	}
}

// Submit registers a new persistent job: it persists the initial document,
// creates the registry entry under a fresh allocation, and announces the
// assignment. The document is written first so a node that polls the entry
// always finds a document to claim.
func (s *JobService) Submit(
	ctx context.Context,
	jobID domain.JobID,
	params json.RawMessage,
	options map[string]string,
) (*domain.RegistryEntry, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.submit",
		trace.WithAttributes(attribute.String("job_id", string(jobID))))
	defer span.End()

	doc := domain.NewJobDocument(jobID, params, options)
	if _, err := s.store.Create(ctx, doc); err != nil {
		if errors.Is(err, domain.ErrDocumentExists) {
			span.AddEvent("document_already_exists")
			return nil, fmt.Errorf("job %s was already submitted: %w", jobID, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "document create failed")
		return nil, fmt.Errorf("failed to create document for job %s: %w", jobID, err)
	}

	entry, err := s.registry.Create(ctx, jobID, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry create failed")
		return nil, fmt.Errorf("failed to register job %s: %w", jobID, err)
	}

	s.logger.Info(ctx, "Job submitted",
		"job_id", jobID,
		"node", entry.Node(),
		"allocation_id", entry.AllocationID(),
	)

	if s.publisher != nil {
		evt := domain.NewJobAssignedEvent(jobID, entry.Node(), entry.AllocationID())
		if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(string(jobID))); err != nil {
			s.logger.Warn(ctx, "Failed to publish assignment event", "job_id", jobID, "error", err)
		}
	}

	return entry, nil
}

// WaitForCompletion blocks until the job's registry entry is removed or
// reaches a terminal state, then returns the job's durable document so the
// caller can read the result or failure. Cancellation and deadlines come
// from the context.
func (s *JobService) WaitForCompletion(ctx context.Context, jobID domain.JobID) (*domain.JobDocument, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.wait_for_completion",
		trace.WithAttributes(attribute.String("job_id", string(jobID))))
	defer span.End()

	_, err := s.registry.WaitForCondition(ctx, jobID, func(e *domain.RegistryEntry) bool {
		return e == nil || e.State().IsTerminal()
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("waiting for job %s: %w", jobID, err)
	}

	doc, err := s.store.Get(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read terminal document for job %s: %w", jobID, err)
	}
	return doc, nil
}

// Cancel removes the job's registry entry, which withdraws the current
// allocation. The hosting supervisor observes the missing entry on its next
// poll and stops the executor; a coordinator also stops on its own when a
// registry write hits the removed entry first. The durable document is left
// in place.
func (s *JobService) Cancel(ctx context.Context, jobID domain.JobID) error {
	ctx, span := s.tracer.Start(ctx, "job_service.cancel",
		trace.WithAttributes(attribute.String("job_id", string(jobID))))
	defer span.End()

	entry, err := s.registry.Get(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to look up job %s: %w", jobID, err)
	}

	if err := s.registry.Remove(ctx, entry.Handle()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	s.logger.Info(ctx, "Job cancelled", "job_id", jobID, "allocation_id", entry.AllocationID())
	return nil
}

// Status returns the registry entry for an active job, or the terminal
// document when the entry is already gone.
func (s *JobService) Status(ctx context.Context, jobID domain.JobID) (*domain.RegistryEntry, *domain.JobDocument, error) {
	entry, err := s.registry.Get(ctx, jobID)
	if err == nil {
		return entry, nil, nil
	}
	if !errors.Is(err, domain.ErrEntryNotFound) {
		return nil, nil, fmt.Errorf("failed to look up job %s: %w", jobID, err)
	}

	doc, derr := s.store.Get(ctx, jobID)
	if derr != nil {
		return nil, nil, fmt.Errorf("job %s has no registry entry and no document: %w", jobID, derr)
	}
	return nil, doc, nil
}
