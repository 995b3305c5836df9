package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/taskward/pkg/common/logger"
)

// Schedule computes when a registered trigger should next fire.
type Schedule interface {
	// Next returns the first trigger time strictly after now.
	Next(now time.Time) time.Time
}

// FixedInterval triggers at a constant period.
type FixedInterval struct{ Interval time.Duration }

// Next returns now plus the configured interval.
func (f FixedInterval) Next(now time.Time) time.Time { return now.Add(f.Interval) }

// TriggerFunc is invoked each time a registered schedule fires.
type TriggerFunc func(ctx context.Context, scheduledAt time.Time)

type scheduleEntry struct {
	schedule Schedule
	fn       TriggerFunc
	cancel   context.CancelFunc
}

// SchedulerEngine fires named triggers on their schedules. It backs periodic
// maintenance work that does not warrant its own loop, and deregistration
// stops a trigger without affecting the others.
type SchedulerEngine struct {
	mu      sync.Mutex
	entries map[string]*scheduleEntry
	started bool
	ctx     context.Context

	wg     sync.WaitGroup
	logger *logger.Logger
}

// NewSchedulerEngine creates an engine with no registered schedules.
func NewSchedulerEngine(logger *logger.Logger) *SchedulerEngine {
	return &SchedulerEngine{
		entries: make(map[string]*scheduleEntry),
		logger:  logger.With("component", "scheduler_engine"),
	}
}

// Start begins firing registered triggers. Triggers registered after Start
// begin firing immediately.
func (e *SchedulerEngine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.ctx = ctx
	for name, entry := range e.entries {
		e.launch(ctx, name, entry)
	}
}

// Register adds a named trigger. Returns an error when the name is taken.
func (e *SchedulerEngine) Register(name string, schedule Schedule, fn TriggerFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[name]; ok {
		return fmt.Errorf("schedule %q already registered", name)
	}
	entry := &scheduleEntry{schedule: schedule, fn: fn}
	e.entries[name] = entry
	if e.started {
		e.launch(e.ctx, name, entry)
	}
	return nil
}

// Deregister stops and removes a named trigger. Unknown names are ignored.
func (e *SchedulerEngine) Deregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[name]
	if !ok {
		return
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	delete(e.entries, name)
}

// Wait blocks until all trigger loops have exited, typically after the Start
// context is canceled.
func (e *SchedulerEngine) Wait() { e.wg.Wait() }

// launch runs a single trigger loop. Caller holds e.mu.
func (e *SchedulerEngine) launch(ctx context.Context, name string, entry *scheduleEntry) {
	ctx, cancel := context.WithCancel(ctx)
	entry.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Debug(ctx, "Schedule started", "name", name)
		timer := time.NewTimer(time.Until(entry.schedule.Next(time.Now())))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				e.logger.Debug(ctx, "Schedule stopped", "name", name)
				return
			case firedAt := <-timer.C:
				entry.fn(ctx, firedAt)
				timer.Reset(time.Until(entry.schedule.Next(time.Now())))
			}
		}
	}()
}
