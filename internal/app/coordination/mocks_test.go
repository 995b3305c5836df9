package coordination

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/internal/domain/events"
)

// mockDocumentStore helps test the claim and persistence paths without a
// real store.
type mockDocumentStore struct{ mock.Mock }

func (m *mockDocumentStore) Get(ctx context.Context, jobID domain.JobID) (*domain.JobDocument, error) {
	args := m.Called(ctx, jobID)
	if doc := args.Get(0); doc != nil {
		return doc.(*domain.JobDocument), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDocumentStore) Create(ctx context.Context, doc *domain.JobDocument) (domain.Version, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(domain.Version), args.Error(1)
}

func (m *mockDocumentStore) Update(ctx context.Context, doc *domain.JobDocument, expected domain.Version) (domain.Version, error) {
	args := m.Called(ctx, doc, expected)
	return args.Get(0).(domain.Version), args.Error(1)
}

type mockTaskRegistry struct{ mock.Mock }

func (m *mockTaskRegistry) Create(ctx context.Context, jobID domain.JobID, params []byte) (*domain.RegistryEntry, error) {
	args := m.Called(ctx, jobID, params)
	if entry := args.Get(0); entry != nil {
		return entry.(*domain.RegistryEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRegistry) Get(ctx context.Context, jobID domain.JobID) (*domain.RegistryEntry, error) {
	args := m.Called(ctx, jobID)
	if entry := args.Get(0); entry != nil {
		return entry.(*domain.RegistryEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRegistry) UpdateState(ctx context.Context, handle domain.TaskHandle, state domain.TaskState, reason string) error {
	return m.Called(ctx, handle, state, reason).Error(0)
}

func (m *mockTaskRegistry) Remove(ctx context.Context, handle domain.TaskHandle) error {
	return m.Called(ctx, handle).Error(0)
}

func (m *mockTaskRegistry) FindByNode(ctx context.Context, node string, states ...domain.TaskState) ([]*domain.RegistryEntry, error) {
	args := m.Called(ctx, node, states)
	if entries := args.Get(0); entries != nil {
		return entries.([]*domain.RegistryEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRegistry) FindByState(ctx context.Context, states ...domain.TaskState) ([]*domain.RegistryEntry, error) {
	args := m.Called(ctx, states)
	if entries := args.Get(0); entries != nil {
		return entries.([]*domain.RegistryEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRegistry) Touch(ctx context.Context, handle domain.TaskHandle) error {
	return m.Called(ctx, handle).Error(0)
}

func (m *mockTaskRegistry) Reassign(ctx context.Context, jobID domain.JobID) (*domain.RegistryEntry, error) {
	args := m.Called(ctx, jobID)
	if entry := args.Get(0); entry != nil {
		return entry.(*domain.RegistryEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTaskRegistry) WaitForCondition(ctx context.Context, jobID domain.JobID, predicate func(*domain.RegistryEntry) bool) (*domain.RegistryEntry, error) {
	args := m.Called(ctx, jobID, predicate)
	if entry := args.Get(0); entry != nil {
		return entry.(*domain.RegistryEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockResultStore struct{ mock.Mock }

func (m *mockResultStore) StoreResult(ctx context.Context, handle domain.TaskHandle, result json.RawMessage, failure *domain.Failure) error {
	return m.Called(ctx, handle, result, failure).Error(0)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	return m.Called(ctx, event).Error(0)
}

// fakeExecutor drives the coordinator with a scripted event stream.
type fakeExecutor struct {
	events    chan domain.ExecutionEvent
	startErr  error
	gotResume *domain.Checkpoint

	stopped     chan string
	closeOnStop bool
}

func newFakeExecutor(buffer int) *fakeExecutor {
	return &fakeExecutor{
		events:  make(chan domain.ExecutionEvent, buffer),
		stopped: make(chan string, 1),
	}
}

func (f *fakeExecutor) Start(ctx context.Context, params json.RawMessage, resume *domain.Checkpoint) (<-chan domain.ExecutionEvent, error) {
	f.gotResume = resume
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.events, nil
}

func (f *fakeExecutor) Stop(ctx context.Context, reason string) error {
	select {
	case f.stopped <- reason:
	default:
	}
	if f.closeOnStop {
		close(f.events)
	}
	return nil
}

type fakeExecutorFactory struct {
	executor domain.JobExecutor
	err      error
}

func (f *fakeExecutorFactory) CreateExecutor(ctx context.Context, jobID domain.JobID, params json.RawMessage) (domain.JobExecutor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.executor, nil
}

func allocPtr(id domain.AllocationID) *domain.AllocationID { return &id }
