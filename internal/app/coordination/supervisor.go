package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/internal/domain/events"
	"github.com/ahrav/taskward/pkg/common/logger"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultStaleAfter   = 2 * time.Minute
)

// realClock is the production TimeProvider.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Supervisor runs the coordination loop for one node: it polls the registry
// for pending work assigned to this node, spawns a Coordinator per job, and
// (when this node holds leadership) sweeps the cluster for started jobs that
// have gone quiet and hands them to a fresh allocation.
type Supervisor struct {
	node string

	registry    domain.TaskRegistry
	store       domain.DocumentStore
	resultStore domain.ResultStore
	factory     domain.ExecutorFactory
	publisher   events.DomainEventPublisher
	metrics     CoordinationMetrics

	pollInterval time.Duration
	staleAfter   time.Duration
	clock        domain.TimeProvider

	// leader gates the stale sweep; assignment polling runs on every node.
	leader atomic.Bool

	mu      sync.Mutex
	running map[domain.JobID]*Coordinator
	wg      sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// SupervisorOption configures optional supervisor behavior.
type SupervisorOption func(*Supervisor)

// WithPollInterval overrides how often the registry is polled for pending
// work.
func WithPollInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.pollInterval = d }
}

// WithStaleAfter overrides how long a started job may go without registry
// activity before the leader reassigns it.
func WithStaleAfter(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.staleAfter = d }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock domain.TimeProvider) SupervisorOption {
	return func(s *Supervisor) { s.clock = clock }
}

// WithSupervisorResultStore enables result retention on spawned coordinators.
func WithSupervisorResultStore(rs domain.ResultStore) SupervisorOption {
	return func(s *Supervisor) { s.resultStore = rs }
}

// WithSupervisorMetrics attaches lifecycle counters to the supervisor and
// every coordinator it spawns.
func WithSupervisorMetrics(m CoordinationMetrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// NewSupervisor creates the coordination supervisor for the given node.
func NewSupervisor(
	node string,
	registry domain.TaskRegistry,
	store domain.DocumentStore,
	factory domain.ExecutorFactory,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...SupervisorOption,
) *Supervisor {
	logger = logger.With("component", "supervisor", "node", node)
	s := &Supervisor{
		node:         node,
		registry:     registry,
		store:        store,
		factory:      factory,
		publisher:    publisher,
		pollInterval: defaultPollInterval,
		staleAfter:   defaultStaleAfter,
		clock:        realClock{},
		running:      make(map[domain.JobID]*Coordinator),
		logger:       logger,
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until the context is canceled, driving the assignment poll and
// the leader's stale sweep. In-flight coordinators are stopped and awaited
// before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info(ctx, "Supervisor starting",
		"poll_interval", s.pollInterval.String(),
		"stale_after", s.staleAfter.String(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pollLoop(ctx) })
	g.Go(func() error { return s.sweepLoop(ctx) })
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	s.stopAll(stopCtx, "supervisor shutting down")
	s.wg.Wait()

	s.logger.Info(ctx, "Supervisor stopped")
	return err
}

// OnLeadershipChange toggles participation in the stale sweep. It is wired
// as the leader-election callback.
func (s *Supervisor) OnLeadershipChange(isLeader bool) {
	s.leader.Store(isLeader)
	s.logger.Info(context.Background(), "Leadership changed", "is_leader", isLeader)
}

func (s *Supervisor) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil {
				s.logger.Error(ctx, "Assignment poll failed", "error", err)
			}
			s.reapCancelled(ctx)
		}
	}
}

// reapCancelled stops local coordinators whose registry entry is gone. This
// is how an explicit Cancel reaches a running executor without waiting for
// its next progress write.
func (s *Supervisor) reapCancelled(ctx context.Context) {
	s.mu.Lock()
	running := make(map[domain.JobID]*Coordinator, len(s.running))
	for id, coord := range s.running {
		running[id] = coord
	}
	s.mu.Unlock()

	for id, coord := range running {
		if _, err := s.registry.Get(ctx, id); !errors.Is(err, domain.ErrEntryNotFound) {
			continue
		}
		s.logger.Info(ctx, "Stopping cancelled job", "job_id", id)
		if err := coord.Stop(ctx, "job cancelled"); err != nil {
			s.logger.Warn(ctx, "Failed to stop cancelled job", "job_id", id, "error", err)
		}
	}
}

// pollOnce claims every pending job assigned to this node that is not
// already running locally.
func (s *Supervisor) pollOnce(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.coordination.poll")
	defer span.End()

	entries, err := s.registry.FindByNode(ctx, s.node, domain.TaskStatePending)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry query failed")
		return fmt.Errorf("finding pending entries for node %s: %w", s.node, err)
	}
	span.SetAttributes(attribute.Int("pending_count", len(entries)))

	for _, entry := range entries {
		s.spawn(ctx, entry)
	}
	span.SetStatus(codes.Ok, "poll complete")
	return nil
}

// spawn starts a coordinator for the entry unless one is already running for
// the job on this node.
func (s *Supervisor) spawn(ctx context.Context, entry *domain.RegistryEntry) {
	s.mu.Lock()
	if _, ok := s.running[entry.JobID()]; ok {
		s.mu.Unlock()
		return
	}
	handle := entry.Handle()
	opts := []CoordinatorOption{}
	if s.resultStore != nil {
		opts = append(opts, WithResultStore(s.resultStore))
	}
	persisterOpts := []PersisterOption{}
	if s.metrics != nil {
		opts = append(opts, WithMetrics(s.metrics))
		persisterOpts = append(persisterOpts, WithDropMetrics(s.metrics))
	}
	coord := NewCoordinator(
		handle,
		NewAssigner(s.store, s.logger, s.tracer),
		NewProgressPersister(s.store, s.logger, s.tracer, persisterOpts...),
		s.registry,
		s.factory,
		s.publisher,
		s.logger,
		s.tracer,
		opts...,
	)
	s.running[entry.JobID()] = coord
	s.mu.Unlock()

	s.logger.Info(ctx, "Spawning coordinator",
		"job_id", handle.JobID(),
		"allocation_id", int64(handle.AllocationID()),
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, handle.JobID())
			s.mu.Unlock()
		}()
		if err := coord.Run(ctx); err != nil {
			s.logger.Warn(ctx, "Coordinator finished with error",
				"job_id", handle.JobID(), "error", err)
		}
	}()
}

func (s *Supervisor) sweepLoop(ctx context.Context) error {
	interval := s.staleAfter / 2
	if interval <= 0 {
		interval = defaultStaleAfter / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.leader.Load() {
				continue
			}
			if err := s.sweepOnce(ctx); err != nil {
				s.logger.Error(ctx, "Stale sweep failed", "error", err)
			}
		}
	}
}

// sweepOnce reassigns started jobs whose registry entry has not been touched
// within the stale window. The new allocation supersedes the old one; any
// still-running writer loses its next CAS write and stops on its own.
func (s *Supervisor) sweepOnce(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.coordination.sweep_stale")
	defer span.End()

	entries, err := s.registry.FindByState(ctx, domain.TaskStateStarted)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry query failed")
		return fmt.Errorf("finding started entries: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.staleAfter)
	stale := 0
	for _, entry := range entries {
		if entry.UpdatedAt().After(cutoff) {
			continue
		}
		stale++
		s.reassignStale(ctx, entry)
	}
	span.SetAttributes(
		attribute.Int("started_count", len(entries)),
		attribute.Int("stale_count", stale),
	)
	span.SetStatus(codes.Ok, "sweep complete")
	return nil
}

func (s *Supervisor) reassignStale(ctx context.Context, entry *domain.RegistryEntry) {
	s.logger.Warn(ctx, "Reassigning stale job",
		"job_id", entry.JobID(),
		"node", entry.Node(),
		"allocation_id", int64(entry.AllocationID()),
		"updated_at", entry.UpdatedAt().Format(time.RFC3339),
	)
	s.publish(ctx, domain.NewJobStaleEvent(entry.JobID(), entry.AllocationID(), entry.UpdatedAt()))

	if _, err := s.registry.Reassign(ctx, entry.JobID()); err != nil {
		s.logger.Error(ctx, "Failed to reassign stale job",
			"job_id", entry.JobID(), "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.IncJobsReassigned(ctx)
	}

	// If the stale job happens to be running on this node, stop it; its
	// allocation is superseded either way.
	s.mu.Lock()
	coord := s.running[entry.JobID()]
	s.mu.Unlock()
	if coord != nil {
		if err := coord.Stop(ctx, "allocation superseded by stale reassignment"); err != nil {
			s.logger.Warn(ctx, "Failed to stop stale local coordinator",
				"job_id", entry.JobID(), "error", err)
		}
	}
}

func (s *Supervisor) stopAll(ctx context.Context, reason string) {
	s.mu.Lock()
	coords := make([]*Coordinator, 0, len(s.running))
	for _, c := range s.running {
		coords = append(coords, c)
	}
	s.mu.Unlock()
	for _, c := range coords {
		if err := c.Stop(ctx, reason); err != nil {
			s.logger.Warn(ctx, "Failed to stop coordinator during shutdown", "error", err)
		}
	}
}

func (s *Supervisor) publish(ctx context.Context, evt events.DomainEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishDomainEvent(ctx, evt); err != nil {
		s.logger.Warn(ctx, "Failed to publish domain event", "event_type", evt.EventType(), "error", err)
	}
}
