package coordination

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/ahrav/taskward/internal/domain/coordination"
	"github.com/ahrav/taskward/pkg/common/logger"
)

type progressTestSuite struct {
	store     *mockDocumentStore
	logger    *logger.Logger
	tracer    trace.Tracer
	persister *ProgressPersister
}

func newProgressTestSuite(t *testing.T) *progressTestSuite {
	t.Helper()

	store := new(mockDocumentStore)
	logger := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	return &progressTestSuite{
		store:     store,
		logger:    logger,
		tracer:    tracer,
		persister: NewProgressPersister(store, logger, tracer),
	}
}

func (s *progressTestSuite) bindClaimedDoc(version domain.Version) *domain.JobDocument {
	doc := claimedDoc("job-1", 7, version)
	s.persister.Bind(doc)
	return doc
}

func TestOnProgressPersistsCheckpoint(t *testing.T) {
	suite := newProgressTestSuite(t)
	v1 := domain.Version{SeqNo: 1, PrimaryTerm: 1}
	v2 := domain.Version{SeqNo: 2, PrimaryTerm: 1}
	suite.bindClaimedDoc(v1)

	suite.store.On("Update", mock.Anything, mock.Anything, v1).
		Return(v2, nil).Once()

	cp := domain.NewCheckpoint([]byte("offset:42"), []byte(`{"done":42}`))
	require.NoError(t, suite.persister.OnProgress(context.Background(), cp))

	doc := suite.persister.Document()
	require.Equal(t, v2, doc.Version())
	require.NotNil(t, doc.Checkpoint())
	require.Equal(t, []byte("offset:42"), doc.Checkpoint().ResumeToken())
	suite.store.AssertExpectations(t)
}

func TestOnProgressDropsWhileWriteInFlight(t *testing.T) {
	suite := newProgressTestSuite(t)
	v1 := domain.Version{SeqNo: 1, PrimaryTerm: 1}
	v2 := domain.Version{SeqNo: 2, PrimaryTerm: 1}
	suite.bindClaimedDoc(v1)

	entered := make(chan struct{})
	release := make(chan struct{})
	suite.store.On("Update", mock.Anything, mock.Anything, v1).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(v2, nil).Once()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- suite.persister.OnProgress(context.Background(),
			domain.NewCheckpoint([]byte("a"), nil))
	}()
	<-entered

	// A second update while the first write is in flight is dropped, not
	// queued: it returns immediately and never touches the store.
	require.NoError(t, suite.persister.OnProgress(context.Background(),
		domain.NewCheckpoint([]byte("b"), nil)))

	close(release)
	require.NoError(t, <-firstDone)
	suite.store.AssertNumberOfCalls(t, "Update", 1)
	require.Equal(t, []byte("a"), suite.persister.Document().Checkpoint().ResumeToken())
}

func TestOnProgressSurfacesVersionConflict(t *testing.T) {
	suite := newProgressTestSuite(t)
	v1 := domain.Version{SeqNo: 3, PrimaryTerm: 1}
	suite.bindClaimedDoc(v1)

	suite.store.On("Update", mock.Anything, mock.Anything, v1).
		Return(domain.Version{}, domain.ErrVersionConflict).Once()

	err := suite.persister.OnProgress(context.Background(),
		domain.NewCheckpoint([]byte("a"), nil))
	require.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestOnProgressDroppedWithoutClaimedDocument(t *testing.T) {
	suite := newProgressTestSuite(t)

	require.NoError(t, suite.persister.OnProgress(context.Background(),
		domain.NewCheckpoint([]byte("a"), nil)))
	suite.store.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinalizeWaitsForInFlightProgress(t *testing.T) {
	suite := newProgressTestSuite(t)
	v1 := domain.Version{SeqNo: 1, PrimaryTerm: 1}
	v2 := domain.Version{SeqNo: 2, PrimaryTerm: 1}
	v3 := domain.Version{SeqNo: 3, PrimaryTerm: 1}
	suite.bindClaimedDoc(v1)

	entered := make(chan struct{})
	release := make(chan struct{})
	suite.store.On("Update", mock.Anything, mock.Anything, v1).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(v2, nil).Once()
	suite.store.On("Update", mock.Anything, mock.Anything, v2).
		Return(v3, nil).Once()

	go suite.persister.OnProgress(context.Background(),
		domain.NewCheckpoint([]byte("a"), nil))
	<-entered

	finalizeDone := make(chan error, 1)
	go func() {
		finalizeDone <- suite.persister.Finalize(context.Background(),
			[]byte(`{"copied":100}`), nil)
	}()

	// Finalize must queue behind the in-flight progress write, never
	// overtake it.
	select {
	case err := <-finalizeDone:
		t.Fatalf("finalize completed before progress write finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-finalizeDone)

	doc := suite.persister.Document()
	require.True(t, doc.IsTerminal())
	require.Equal(t, v3, doc.Version())
	require.JSONEq(t, `{"copied":100}`, string(doc.Result()))
	suite.store.AssertExpectations(t)
}

func TestFinalizeSealsLaterProgress(t *testing.T) {
	suite := newProgressTestSuite(t)
	v1 := domain.Version{SeqNo: 1, PrimaryTerm: 1}
	v2 := domain.Version{SeqNo: 2, PrimaryTerm: 1}
	suite.bindClaimedDoc(v1)

	suite.store.On("Update", mock.Anything, mock.Anything, v1).
		Return(v2, nil).Once()

	require.NoError(t, suite.persister.Finalize(context.Background(), []byte(`{}`), nil))

	// Progress after finalize takes no effect: no write, no error.
	require.NoError(t, suite.persister.OnProgress(context.Background(),
		domain.NewCheckpoint([]byte("late"), nil)))
	suite.store.AssertNumberOfCalls(t, "Update", 1)
	require.Nil(t, suite.persister.Document().Checkpoint())
}

func TestFinalizeIdempotent(t *testing.T) {
	suite := newProgressTestSuite(t)
	v1 := domain.Version{SeqNo: 1, PrimaryTerm: 1}
	suite.bindClaimedDoc(v1)

	suite.store.On("Update", mock.Anything, mock.Anything, v1).
		Return(domain.Version{SeqNo: 2, PrimaryTerm: 1}, nil).Once()

	require.NoError(t, suite.persister.Finalize(context.Background(), []byte(`{}`), nil))

	err := suite.persister.Finalize(context.Background(), nil,
		failurePtr(domain.NewFailure("too late", 500, nil)))
	require.ErrorIs(t, err, domain.ErrAlreadyFinalized)

	// The recorded outcome is untouched.
	doc := suite.persister.Document()
	require.Nil(t, doc.Failure())
	require.NotNil(t, doc.Result())
	suite.store.AssertNumberOfCalls(t, "Update", 1)
}

func TestFinalizeWithoutClaimedDocument(t *testing.T) {
	suite := newProgressTestSuite(t)

	err := suite.persister.Finalize(context.Background(), []byte(`{}`), nil)
	require.ErrorIs(t, err, domain.ErrNoClaimedDocument)
}

func TestFinalizeWriteFailureCarriesSuppressedOutcome(t *testing.T) {
	suite := newProgressTestSuite(t)
	v1 := domain.Version{SeqNo: 1, PrimaryTerm: 1}
	storeDown := errors.New("store unavailable")
	suite.bindClaimedDoc(v1)

	suite.store.On("Update", mock.Anything, mock.Anything, v1).
		Return(domain.Version{}, storeDown).Once()
	suite.store.On("Update", mock.Anything, mock.Anything, v1).
		Return(domain.Version{SeqNo: 2, PrimaryTerm: 1}, nil).Once()

	domainFailure := domain.NewFailure("source exploded", 502, nil)
	err := suite.persister.Finalize(context.Background(), nil, &domainFailure)
	require.Error(t, err)

	var finalizeErr *domain.FinalizeError
	require.ErrorAs(t, err, &finalizeErr)
	require.ErrorIs(t, finalizeErr.Err, storeDown)
	require.Equal(t, domainFailure, finalizeErr.Suppressed)

	// The terminal write is retryable; the domain outcome lands intact.
	require.NoError(t, suite.persister.Finalize(context.Background(), nil, &domainFailure))
	doc := suite.persister.Document()
	require.True(t, doc.IsTerminal())
	require.NotNil(t, doc.Failure())
	require.Equal(t, "source exploded", doc.Failure().Message)
}
