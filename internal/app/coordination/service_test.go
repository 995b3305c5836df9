package coordination

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/pkg/common/logger"
)

type serviceTestSuite struct {
	store     *mockDocumentStore
	registry  *mockTaskRegistry
	publisher *mockPublisher
	service   *JobService
}

func newServiceTestSuite(t *testing.T) *serviceTestSuite {
	t.Helper()
	s := &serviceTestSuite{
		store:     new(mockDocumentStore),
		registry:  new(mockTaskRegistry),
		publisher: new(mockPublisher),
	}
	s.service = NewJobService(
		s.store,
		s.registry,
		s.publisher,
		logger.New(io.Discard, logger.LevelDebug, "test", nil),
		noop.NewTracerProvider().Tracer("test"),
	)
	return s
}

func TestSubmitCreatesDocumentAndEntry(t *testing.T) {
	suite := newServiceTestSuite(t)
	params := json.RawMessage(`{"source":"logs-old"}`)

	suite.store.On("Create", mock.Anything, mock.MatchedBy(func(doc *domain.JobDocument) bool {
		return doc.JobID() == domain.JobID("job-1")
	})).Return(domain.Version{SeqNo: 1, PrimaryTerm: 1}, nil)

	entry := domain.NewRegistryEntry("job-1", "node-a", 1, params)
	suite.registry.On("Create", mock.Anything, domain.JobID("job-1"), []byte(params)).Return(entry, nil)
	suite.publisher.On("PublishDomainEvent", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	got, err := suite.service.Submit(context.Background(), "job-1", params, nil)
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	var sawAssigned bool
	for _, call := range suite.publisher.Calls {
		if _, ok := call.Arguments.Get(1).(domain.JobAssignedEvent); ok {
			sawAssigned = true
		}
	}
	assert.True(t, sawAssigned, "expected an assignment event")

	suite.store.AssertExpectations(t)
	suite.registry.AssertExpectations(t)
}

func TestSubmitRejectsDuplicateJob(t *testing.T) {
	suite := newServiceTestSuite(t)

	suite.store.On("Create", mock.Anything, mock.Anything).
		Return(domain.Version{}, domain.ErrDocumentExists)

	_, err := suite.service.Submit(context.Background(), "job-1", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, domain.ErrDocumentExists)
	suite.registry.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitSurfacesRegistryFailure(t *testing.T) {
	suite := newServiceTestSuite(t)

	suite.store.On("Create", mock.Anything, mock.Anything).
		Return(domain.Version{SeqNo: 1, PrimaryTerm: 1}, nil)
	suite.registry.On("Create", mock.Anything, mock.Anything, mock.Anything).
		Return((*domain.RegistryEntry)(nil), domain.ErrNoLiveNodes)

	_, err := suite.service.Submit(context.Background(), "job-1", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, domain.ErrNoLiveNodes)
}

func TestWaitForCompletionReturnsTerminalDocument(t *testing.T) {
	suite := newServiceTestSuite(t)

	suite.registry.On("WaitForCondition", mock.Anything, domain.JobID("job-1"), mock.Anything).
		Return((*domain.RegistryEntry)(nil), nil)

	doc := domain.NewJobDocument("job-1", json.RawMessage(`{}`), nil)
	require.NoError(t, doc.Assign(4))
	require.NoError(t, doc.Complete(json.RawMessage(`{"copied":10}`)))
	suite.store.On("Get", mock.Anything, domain.JobID("job-1")).Return(doc, nil)

	got, err := suite.service.WaitForCompletion(context.Background(), "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"copied":10}`, string(got.Result()))
}

func TestWaitForCompletionPredicate(t *testing.T) {
	suite := newServiceTestSuite(t)

	var predicate func(*domain.RegistryEntry) bool
	suite.registry.On("WaitForCondition", mock.Anything, domain.JobID("job-1"), mock.Anything).
		Run(func(args mock.Arguments) {
			predicate = args.Get(2).(func(*domain.RegistryEntry) bool)
		}).
		Return((*domain.RegistryEntry)(nil), nil)
	suite.store.On("Get", mock.Anything, mock.Anything).
		Return(domain.NewJobDocument("job-1", nil, nil), nil)

	_, err := suite.service.WaitForCompletion(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, predicate)

	running := domain.ReconstructRegistryEntry("job-1", "node-a", 1, nil, domain.TaskStateStarted, "", time.Now())
	failed := domain.ReconstructRegistryEntry("job-1", "node-a", 1, nil, domain.TaskStateFailed, "boom", time.Now())

	assert.True(t, predicate(nil), "removal should satisfy the wait")
	assert.True(t, predicate(failed), "terminal state should satisfy the wait")
	assert.False(t, predicate(running), "running job should keep waiting")
}

func TestWaitForCompletionContextDone(t *testing.T) {
	suite := newServiceTestSuite(t)

	suite.registry.On("WaitForCondition", mock.Anything, mock.Anything, mock.Anything).
		Return((*domain.RegistryEntry)(nil), context.DeadlineExceeded)

	_, err := suite.service.WaitForCompletion(context.Background(), "job-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelRemovesEntry(t *testing.T) {
	suite := newServiceTestSuite(t)

	entry := domain.NewRegistryEntry("job-1", "node-a", 3, nil)
	suite.registry.On("Get", mock.Anything, domain.JobID("job-1")).Return(entry, nil)
	suite.registry.On("Remove", mock.Anything, entry.Handle()).Return(nil)

	require.NoError(t, suite.service.Cancel(context.Background(), "job-1"))
	suite.registry.AssertExpectations(t)
}

func TestCancelUnknownJob(t *testing.T) {
	suite := newServiceTestSuite(t)

	suite.registry.On("Get", mock.Anything, mock.Anything).
		Return((*domain.RegistryEntry)(nil), domain.ErrEntryNotFound)

	err := suite.service.Cancel(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestStatusActiveJob(t *testing.T) {
	suite := newServiceTestSuite(t)

	entry := domain.NewRegistryEntry("job-1", "node-a", 3, nil)
	suite.registry.On("Get", mock.Anything, domain.JobID("job-1")).Return(entry, nil)

	gotEntry, gotDoc, err := suite.service.Status(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, entry, gotEntry)
	assert.Nil(t, gotDoc)
}

func TestStatusFallsBackToDocument(t *testing.T) {
	suite := newServiceTestSuite(t)

	suite.registry.On("Get", mock.Anything, mock.Anything).
		Return((*domain.RegistryEntry)(nil), domain.ErrEntryNotFound)
	doc := domain.NewJobDocument("job-1", nil, nil)
	suite.store.On("Get", mock.Anything, domain.JobID("job-1")).Return(doc, nil)

	gotEntry, gotDoc, err := suite.service.Status(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, gotEntry)
	assert.Equal(t, doc, gotDoc)
}

func TestStatusUnknownJob(t *testing.T) {
	suite := newServiceTestSuite(t)

	suite.registry.On("Get", mock.Anything, mock.Anything).
		Return((*domain.RegistryEntry)(nil), domain.ErrEntryNotFound)
	suite.store.On("Get", mock.Anything, mock.Anything).
		Return((*domain.JobDocument)(nil), domain.ErrDocumentNotFound)

	_, _, err := suite.service.Status(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
}
