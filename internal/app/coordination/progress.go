package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/pkg/common/logger"
)

// ProgressPersister serializes checkpoint writes for one claimed job
// document. Progress updates are lossy: at most one write is in flight at a
// time and updates arriving while a write is in flight are dropped, trading
// checkpoint freshness for bounded work under fast-arriving progress events.
// Finalize always waits its turn behind any in-flight progress write, so a
// stale progress write can never land after the terminal write.
type ProgressPersister struct {
	store domain.DocumentStore

	// writeGate is the single-flight gate: capacity 1, acquired
	// non-blockingly for progress (drop if unavailable) and blockingly for
	// finalize (must wait, never drop).
	writeGate *semaphore.Weighted

	mu sync.Mutex
	// doc is the last successfully read or written document, carrying the
	// CAS token every write must present.
	doc *domain.JobDocument
	// sealed is set when finalize begins; progress updates arriving after
	// that point take no effect.
	sealed bool
	// finalized is set once the terminal write has succeeded; the terminal
	// fields are never overwritten after that.
	finalized bool

	// dropMetrics, when set, counts progress updates dropped by the gate.
	dropMetrics interface{ IncProgressWritesDropped(context.Context) }

	logger *logger.Logger
	tracer trace.Tracer
}

// PersisterOption configures optional persister collaborators.
type PersisterOption func(*ProgressPersister)

// WithDropMetrics counts progress updates dropped while a write is in
// flight.
func WithDropMetrics(m interface{ IncProgressWritesDropped(context.Context) }) PersisterOption {
	return func(p *ProgressPersister) { p.dropMetrics = m }
}

// NewProgressPersister returns an unbound persister. Bind must be called
// with a successfully claimed document before any write is attempted.
func NewProgressPersister(store domain.DocumentStore, logger *logger.Logger, tracer trace.Tracer, opts ...PersisterOption) *ProgressPersister {
	logger = logger.With("component", "progress_persister")
	p := &ProgressPersister{
		store:     store,
		writeGate: semaphore.NewWeighted(1),
		logger:    logger,
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bind installs the claimed document whose CAS token subsequent writes will
// present.
func (p *ProgressPersister) Bind(doc *domain.JobDocument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
}

// Document returns the last known document snapshot.
func (p *ProgressPersister) Document() *domain.JobDocument {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

// OnProgress persists a checkpoint, best effort. The update is dropped when
// another write is already in flight, when no document is bound, or when the
// persister has been sealed by finalize. A version conflict is an expected
// outcome (a newer allocation has taken the document) and is surfaced so the
// caller can stop executing.
func (p *ProgressPersister) OnProgress(ctx context.Context, cp *domain.Checkpoint) error {
	ctx, span := p.tracer.Start(ctx, "progress_persister.coordination.on_progress")
	defer span.End()

	if !p.writeGate.TryAcquire(1) {
		// A write is already in flight; this update is dropped.
		if p.dropMetrics != nil {
			p.dropMetrics.IncProgressWritesDropped(ctx)
		}
		span.AddEvent("progress_dropped_write_in_flight")
		span.SetStatus(codes.Ok, "progress update dropped")
		return nil
	}
	defer p.writeGate.Release(1)

	p.mu.Lock()
	if p.sealed || p.doc == nil {
		p.mu.Unlock()
		span.AddEvent("progress_dropped_sealed")
		span.SetStatus(codes.Ok, "progress update dropped")
		return nil
	}
	doc := p.doc
	p.mu.Unlock()

	if err := doc.ApplyCheckpoint(cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint rejected")
		return err
	}

	newVersion, err := p.store.Update(ctx, doc, doc.Version())
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			span.AddEvent("progress_write_conflict")
			span.SetStatus(codes.Error, "progress write lost version race")
			p.logger.Warn(ctx, "Progress write lost version race; a newer allocation likely owns the document",
				"job_id", doc.JobID(),
			)
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "progress write failed")
		p.logger.Error(ctx, "Progress write failed", "job_id", doc.JobID(), "error", err)
		return err
	}

	// Cache the new CAS token only on success.
	doc.SetVersion(newVersion)
	p.mu.Lock()
	p.doc = doc
	p.mu.Unlock()

	span.AddEvent("progress_persisted", trace.WithAttributes(
		attribute.String("version", newVersion.String()),
	))
	span.SetStatus(codes.Ok, "progress persisted")
	return nil
}

// Finalize performs the terminal document write, recording either the result
// or the failure. It waits (uninterruptibly) for any in-flight progress
// write to complete, then seals the persister so later progress updates take
// no effect. When the terminal write itself fails, the returned
// FinalizeError carries the domain outcome as a suppressed error and the
// caller may retry Finalize.
func (p *ProgressPersister) Finalize(ctx context.Context, result json.RawMessage, failure *domain.Failure) error {
	ctx, span := p.tracer.Start(ctx, "progress_persister.coordination.finalize")
	defer span.End()

	// The gate must be acquired even if the caller's context is already
	// done: finalize never drops its turn.
	if err := p.writeGate.Acquire(context.WithoutCancel(ctx), 1); err != nil {
		return err
	}
	defer p.writeGate.Release(1)

	p.mu.Lock()
	if p.finalized {
		p.mu.Unlock()
		span.AddEvent("finalize_rejected_already_finalized")
		return domain.ErrAlreadyFinalized
	}
	if p.doc == nil {
		p.mu.Unlock()
		span.SetStatus(codes.Error, "no claimed document")
		return domain.ErrNoClaimedDocument
	}
	p.sealed = true
	doc := p.doc
	p.mu.Unlock()

	var terminalErr error
	if failure != nil {
		terminalErr = doc.Fail(*failure)
	} else {
		terminalErr = doc.Complete(result)
	}
	if terminalErr != nil {
		span.RecordError(terminalErr)
		span.SetStatus(codes.Error, "terminal fields already set")
		return terminalErr
	}

	newVersion, err := p.store.Update(ctx, doc, doc.Version())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize write failed")

		var suppressed error
		if failure != nil {
			suppressed = *failure
		}
		// Roll the in-memory terminal fields back so a retry can reapply
		// them against a fresh read if needed.
		p.rollbackTerminal(result, failure)
		return domain.NewFinalizeError(doc.JobID(), err, suppressed)
	}

	doc.SetVersion(newVersion)
	p.mu.Lock()
	p.doc = doc
	p.finalized = true
	p.mu.Unlock()

	span.AddEvent("finalized", trace.WithAttributes(
		attribute.String("version", newVersion.String()),
		attribute.Bool("failed", failure != nil),
	))
	span.SetStatus(codes.Ok, "job finalized")
	p.logger.Info(ctx, "Job document finalized",
		"job_id", doc.JobID(),
		"failed", failure != nil,
	)
	return nil
}

// AppendSuppressed attaches a secondary failure to an already-terminal
// document, the one mutation still permitted after finalize.
func (p *ProgressPersister) AppendSuppressed(ctx context.Context, failure domain.Failure) error {
	if err := p.writeGate.Acquire(context.WithoutCancel(ctx), 1); err != nil {
		return err
	}
	defer p.writeGate.Release(1)

	p.mu.Lock()
	doc := p.doc
	p.mu.Unlock()
	if doc == nil {
		return domain.ErrNoClaimedDocument
	}

	doc.AppendSuppressed(failure)
	newVersion, err := p.store.Update(ctx, doc, doc.Version())
	if err != nil {
		return err
	}
	doc.SetVersion(newVersion)
	return nil
}

// rollbackTerminal restores the document's pre-terminal in-memory state
// after a failed finalize write.
func (p *ProgressPersister) rollbackTerminal(result json.RawMessage, failure *domain.Failure) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return
	}
	p.doc = domain.ReconstructJobDocument(
		p.doc.JobID(),
		p.doc.Params(),
		p.doc.AllocationID(),
		p.doc.Checkpoint(),
		nil,
		nil,
		p.doc.Suppressed(),
		p.doc.Options(),
		p.doc.Version(),
	)
	// The persister stays sealed: progress updates remain rejected while the
	// caller retries the terminal write.
}
