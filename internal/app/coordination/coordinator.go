package coordination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/internal/domain/events"
	"github.com/ahrav/taskward/pkg/common/logger"
)

// Coordinator drives one job's lifecycle on its assigned node: claim the
// document, start (or resume) the executor, persist progress, and report the
// terminal outcome exactly once. A Coordinator is created per registry entry
// and is discarded once Run returns.
type Coordinator struct {
	handle domain.TaskHandle

	assigner  *Assigner
	persister *ProgressPersister
	registry  domain.TaskRegistry
	// resultStore is optional; it is only consulted when the document was
	// submitted with OptionRetainResult.
	resultStore domain.ResultStore
	factory     domain.ExecutorFactory
	publisher   events.DomainEventPublisher
	metrics     CoordinationMetrics

	// notifyLimiter throttles registry touches and progress notifications;
	// checkpoint persistence is governed by the persister's own gate.
	notifyLimiter *rate.Limiter

	mu       sync.Mutex
	executor domain.JobExecutor
	// stopReason records a coordinator-initiated stop (shutdown,
	// cancellation, stale reassignment). When set, a stream that ends
	// without a terminal event is an interruption, not a contract
	// violation, and the job stays resumable.
	stopReason string

	logger *logger.Logger
	tracer trace.Tracer
}

// CoordinatorOption configures optional coordinator collaborators.
type CoordinatorOption func(*Coordinator)

// WithResultStore enables terminal result retention for jobs that request it.
func WithResultStore(rs domain.ResultStore) CoordinatorOption {
	return func(c *Coordinator) { c.resultStore = rs }
}

// WithMetrics attaches lifecycle counters to the coordinator.
func WithMetrics(m CoordinationMetrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifyLimiter overrides the rate limiter applied to registry touches
// and progress notifications.
func WithNotifyLimiter(l *rate.Limiter) CoordinatorOption {
	return func(c *Coordinator) { c.notifyLimiter = l }
}

// NewCoordinator creates a coordinator for a single registry entry.
func NewCoordinator(
	handle domain.TaskHandle,
	assigner *Assigner,
	persister *ProgressPersister,
	registry domain.TaskRegistry,
	factory domain.ExecutorFactory,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...CoordinatorOption,
) *Coordinator {
	logger = logger.With(
		"component", "coordinator",
		"job_id", handle.JobID(),
		"allocation_id", int64(handle.AllocationID()),
	)
	c := &Coordinator{
		handle:        handle,
		assigner:      assigner,
		persister:     persister,
		registry:      registry,
		factory:       factory,
		publisher:     publisher,
		notifyLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:        logger,
		tracer:        tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the full lifecycle and blocks until the job reaches a
// terminal registry state or the claim is rejected. It is intended to be run
// in its own goroutine by the supervisor.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.coordination.run",
		trace.WithAttributes(
			attribute.String("job_id", c.handle.JobID().String()),
			attribute.Int64("allocation_id", int64(c.handle.AllocationID())),
		))
	defer span.End()

	doc, err := c.assigner.Claim(ctx, c.handle.JobID(), c.handle.AllocationID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		c.markEphemeralTaskFailed(ctx, err)
		return err
	}
	c.persister.Bind(doc)
	if c.metrics != nil {
		c.metrics.IncJobsClaimed(ctx)
	}

	resume := doc.Checkpoint()
	if err := c.registry.UpdateState(ctx, c.handle, domain.TaskStateStarted, ""); err != nil {
		if errors.Is(err, domain.ErrStaleAllocation) {
			// Reassigned between claim and start; the new allocation owns the
			// job now.
			span.AddEvent("start_superseded")
			c.logger.Info(ctx, "Allocation superseded before start")
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark started")
		err = fmt.Errorf("marking task started: %w", err)
		c.markEphemeralTaskFailed(ctx, err)
		return err
	}
	c.publish(ctx, domain.NewJobStartedEvent(c.handle.JobID(), c.handle.AllocationID(), resume != nil))

	executor, err := c.factory.CreateExecutor(ctx, c.handle.JobID(), doc.Params())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor creation failed")
		return c.finalize(ctx, domain.TerminalReport{
			Failure: failurePtr(domain.FailureFromError(err, http.StatusInternalServerError)),
		})
	}
	c.mu.Lock()
	c.executor = executor
	c.mu.Unlock()

	eventCh, err := executor.Start(ctx, doc.Params(), resume)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executor start failed")
		return c.finalize(ctx, domain.TerminalReport{
			Failure: failurePtr(domain.FailureFromError(err, http.StatusInternalServerError)),
		})
	}
	c.logger.Info(ctx, "Job execution started", "resumed", resume != nil)

	return c.consume(ctx, eventCh)
}

// consume drains the executor's event stream, persisting progress and
// finalizing on the terminal event. A closed stream without a terminal event
// is treated as a failure (the executor broke its contract) unless the stop
// was requested by this coordinator, in which case the job stays non-terminal
// so another allocation can resume it from the last checkpoint.
func (c *Coordinator) consume(ctx context.Context, eventCh <-chan domain.ExecutionEvent) error {
	for evt := range eventCh {
		switch {
		case evt.Terminal != nil:
			return c.finalize(ctx, *evt.Terminal)

		case evt.Progress != nil:
			if err := c.onProgress(ctx, evt.Progress); err != nil {
				return c.stopOnProgressError(ctx, eventCh, err)
			}
		}
	}
	if reason := c.requestedStop(); reason != "" {
		c.logger.Info(ctx, "Execution interrupted before completion", "reason", reason)
		return nil
	}
	err := errors.New("executor stream ended without a terminal report")
	c.logger.Error(ctx, "Executor contract violation", "error", err)
	return c.finalize(ctx, domain.TerminalReport{
		Failure: failurePtr(domain.FailureFromError(err, http.StatusInternalServerError)),
	})
}

// stopOnProgressError terminates execution after a progress update hit a
// withdrawn allocation. A missing registry entry means the job was
// cancelled; a version conflict or stale allocation means a newer
// allocation owns the document.
func (c *Coordinator) stopOnProgressError(ctx context.Context, eventCh <-chan domain.ExecutionEvent, cause error) error {
	reason := "allocation superseded"
	if errors.Is(cause, domain.ErrEntryNotFound) {
		reason = "job cancelled"
	}
	if stopErr := c.Stop(ctx, reason); stopErr != nil {
		c.logger.Warn(ctx, "Failed to stop executor", "reason", reason, "error", stopErr)
	}
	c.drain(eventCh)
	if errors.Is(cause, domain.ErrEntryNotFound) {
		// Cancellation already removed the entry; there is nothing left to
		// mark and the document stays as the cancelled job's last state.
		c.logger.Info(ctx, "Registry entry removed; execution stopped")
		return cause
	}
	c.markEphemeralTaskFailed(ctx, domain.NewAssignmentError(
		c.handle.JobID(), c.handle.AllocationID(), domain.AssignmentSuperseded, cause))
	return cause
}

// onProgress persists a checkpoint, refreshes the registry's last-activity
// timestamp, and publishes a progress event. Registry touches and event
// publishes are rate limited so a chatty executor cannot flood the registry
// or the bus. Only a version conflict is propagated; transient store faults
// are already dropped by the persister and the next update will retry
// naturally.
func (c *Coordinator) onProgress(ctx context.Context, report *domain.ProgressReport) error {
	if err := c.persister.OnProgress(ctx, report.Checkpoint); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		c.logger.Warn(ctx, "Progress persistence failed; continuing", "error", err)
	}
	if !c.notifyLimiter.Allow() {
		return nil
	}
	if err := c.registry.Touch(ctx, c.handle); err != nil {
		// A stale allocation means a newer one owns the job; a missing
		// entry means the job was cancelled. Either way execution must end.
		if errors.Is(err, domain.ErrStaleAllocation) || errors.Is(err, domain.ErrEntryNotFound) {
			return err
		}
		c.logger.Warn(ctx, "Failed to refresh registry activity", "error", err)
	}
	c.publish(ctx, domain.NewJobProgressedEvent(c.handle.JobID(), c.handle.AllocationID(), report.Status))
	return nil
}

// finalize records the terminal outcome: document write first, then the
// optional retained-result copy, then the registry transition. The document
// write is the commit point; everything after it is best effort and recorded
// as suppressed failures rather than overwriting the outcome.
func (c *Coordinator) finalize(ctx context.Context, report domain.TerminalReport) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.coordination.finalize",
		trace.WithAttributes(attribute.Bool("failed", report.Failure != nil)))
	defer span.End()

	if err := c.persister.Finalize(ctx, report.Result, report.Failure); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminal write failed")
		c.logger.Error(ctx, "Terminal document write failed", "error", err)
		if stateErr := c.registry.UpdateState(ctx, c.handle, domain.TaskStateFailedToPersistResult, err.Error()); stateErr != nil {
			c.logger.Warn(ctx, "Failed to record terminal write failure in registry", "error", stateErr)
		}
		c.publish(ctx, domain.NewJobFailedEvent(c.handle.JobID(), domain.TaskStateFailedToPersistResult, err.Error()))
		return err
	}

	if doc := c.persister.Document(); doc != nil && doc.RetainsResult() && c.resultStore != nil {
		if err := c.resultStore.StoreResult(ctx, c.handle, report.Result, report.Failure); err != nil {
			span.AddEvent("result_retention_failed")
			c.logger.Warn(ctx, "Failed to retain terminal result", "error", err)
			if supErr := c.persister.AppendSuppressed(ctx, domain.FailureFromError(err, http.StatusInternalServerError)); supErr != nil {
				c.logger.Warn(ctx, "Failed to append suppressed failure", "error", supErr)
			}
		}
	}

	state := domain.TaskStateDone
	reason := ""
	if report.Failure != nil {
		state = domain.TaskStateFailed
		reason = report.Failure.Message
	}
	if err := c.registry.UpdateState(ctx, c.handle, state, reason); err != nil {
		span.RecordError(err)
		c.logger.Warn(ctx, "Failed to record terminal registry state", "error", err)
	}
	if err := c.registry.Remove(ctx, c.handle); err != nil && !errors.Is(err, domain.ErrEntryNotFound) {
		c.logger.Warn(ctx, "Failed to remove completed registry entry", "error", err)
	}

	if report.Failure != nil {
		if c.metrics != nil {
			c.metrics.IncJobsFailed(ctx)
		}
		c.publish(ctx, domain.NewJobFailedEvent(c.handle.JobID(), domain.TaskStateFailed, report.Failure.Message))
		span.SetStatus(codes.Ok, "job failed terminally")
		c.logger.Info(ctx, "Job failed", "reason", report.Failure.Message)
	} else {
		if c.metrics != nil {
			c.metrics.IncJobsCompleted(ctx)
		}
		c.publish(ctx, domain.NewJobCompletedEvent(c.handle.JobID(), report.Result))
		span.SetStatus(codes.Ok, "job completed")
		c.logger.Info(ctx, "Job completed")
	}
	return nil
}

// Stop requests prompt termination of the running executor, if any. The
// lifecycle then winds down through the normal event stream path: a stream
// that ends without a terminal event after Stop leaves the job non-terminal
// and resumable.
func (c *Coordinator) Stop(ctx context.Context, reason string) error {
	c.mu.Lock()
	c.stopReason = reason
	executor := c.executor
	c.mu.Unlock()
	if executor == nil {
		return nil
	}
	return executor.Stop(ctx, reason)
}

// requestedStop reports the reason of a coordinator-initiated stop, or ""
// when none was requested.
func (c *Coordinator) requestedStop() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

// markEphemeralTaskFailed records a pre-execution failure in the registry.
// The job document is untouched: the document either still awaits a claim or
// belongs to a newer allocation, so only this allocation's registry entry is
// moved to a failed state. A stale allocation here is expected and logged at
// debug only.
func (c *Coordinator) markEphemeralTaskFailed(ctx context.Context, cause error) {
	state := domain.TaskStateFailed
	superseded := false
	var assignErr *domain.AssignmentError
	if errors.As(cause, &assignErr) {
		state = assignErr.Kind.TaskState()
		superseded = assignErr.Kind == domain.AssignmentSuperseded
		if superseded && c.metrics != nil {
			c.metrics.IncClaimsSuperseded(ctx)
		}
	}
	if err := c.registry.UpdateState(ctx, c.handle, state, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrStaleAllocation) || errors.Is(err, domain.ErrEntryNotFound) {
			c.logger.Debug(ctx, "Skipping failure mark for superseded allocation", "error", err)
			return
		}
		c.logger.Warn(ctx, "Failed to mark task failed", "state", state, "error", err)
		return
	}
	c.publish(ctx, domain.NewJobFailedEvent(c.handle.JobID(), state, cause.Error()))
	if superseded {
		// The entry belongs to the newer allocation now; only it may remove
		// the entry.
		return
	}
	if err := c.registry.Remove(ctx, c.handle); err != nil && !errors.Is(err, domain.ErrEntryNotFound) {
		c.logger.Warn(ctx, "Failed to remove failed registry entry", "error", err)
	}
}

// drain consumes and discards remaining stream events after a stop request
// so the executor goroutine can exit.
func (c *Coordinator) drain(eventCh <-chan domain.ExecutionEvent) {
	for range eventCh {
	}
}

func (c *Coordinator) publish(ctx context.Context, evt events.DomainEvent) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishDomainEvent(ctx, evt, events.WithKey(c.handle.JobID().String())); err != nil {
		c.logger.Warn(ctx, "Failed to publish domain event", "event_type", evt.EventType(), "error", err)
	}
}

func failurePtr(f domain.Failure) *domain.Failure { return &f }
