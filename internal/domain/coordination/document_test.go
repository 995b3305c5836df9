package coordination

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobDocumentRoundTrip(t *testing.T) {
	alloc := AllocationID(5)
	cp := ReconstructCheckpoint(
		[]byte("cursor-42"),
		json.RawMessage(`{"docs_indexed":42}`),
		time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	)
	failure := NewFailure("shard unavailable", 503, json.RawMessage(`{"shard":3}`))

	doc := ReconstructJobDocument(
		"job-1",
		json.RawMessage(`{"source":"idx-a","dest":"idx-b"}`),
		&alloc,
		cp,
		nil,
		&failure,
		[]Failure{NewFailure("registry write failed", 500, nil)},
		map[string]string{OptionRetainResult: "true"},
		Version{SeqNo: 7, PrimaryTerm: 2},
	)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var got JobDocument
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, doc.JobID(), got.JobID())
	assert.JSONEq(t, string(doc.Params()), string(got.Params()))
	require.NotNil(t, got.AllocationID())
	assert.Equal(t, alloc, *got.AllocationID())
	require.NotNil(t, got.Checkpoint())
	assert.Equal(t, cp.ResumeToken(), got.Checkpoint().ResumeToken())
	assert.JSONEq(t, string(cp.Status()), string(got.Checkpoint().Status()))
	assert.True(t, cp.Timestamp().Equal(got.Checkpoint().Timestamp()))
	require.NotNil(t, got.Failure())
	assert.Equal(t, failure.Message, got.Failure().Message)
	assert.Equal(t, failure.StatusCode, got.Failure().StatusCode)
	require.Len(t, got.Suppressed(), 1)
	assert.Equal(t, "registry write failed", got.Suppressed()[0].Message)
	assert.True(t, got.RetainsResult())

	// The CAS token travels out of band and is not part of the payload.
	assert.True(t, got.Version().IsZero())
}

func TestJobDocumentAssign(t *testing.T) {
	tests := []struct {
		name     string
		existing *AllocationID
		claim    AllocationID
		wantErr  bool
	}{
		{name: "unclaimed document accepts any allocation", existing: nil, claim: 1, wantErr: false},
		{name: "higher allocation supersedes lower", existing: allocPtr(3), claim: 5, wantErr: false},
		{name: "equal allocation is rejected", existing: allocPtr(5), claim: 5, wantErr: true},
		{name: "lower allocation is rejected", existing: allocPtr(6), claim: 5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := ReconstructJobDocument(
				"job-1", nil, tt.existing, nil, nil, nil, nil, nil, Version{SeqNo: 1, PrimaryTerm: 1},
			)

			err := doc.Assign(tt.claim)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.existing, doc.AllocationID())
				return
			}
			require.NoError(t, err)
			require.NotNil(t, doc.AllocationID())
			assert.Equal(t, tt.claim, *doc.AllocationID())
		})
	}
}

func TestJobDocumentTerminalInvariant(t *testing.T) {
	doc := NewJobDocument("job-1", json.RawMessage(`{}`), nil)
	require.False(t, doc.IsTerminal())

	require.NoError(t, doc.Complete(json.RawMessage(`{"created":100}`)))
	require.True(t, doc.IsTerminal())

	// Terminal fields are never overwritten.
	assert.ErrorIs(t, doc.Complete(json.RawMessage(`{"created":1}`)), ErrDocumentTerminal)
	assert.ErrorIs(t, doc.Fail(NewFailure("late failure", 500, nil)), ErrDocumentTerminal)
	assert.JSONEq(t, `{"created":100}`, string(doc.Result()))

	// No further checkpoints after the terminal write.
	err := doc.ApplyCheckpoint(NewCheckpoint([]byte("cursor"), nil))
	assert.ErrorIs(t, err, ErrDocumentTerminal)

	// Suppressed secondary errors may still be appended.
	doc.AppendSuppressed(NewFailure("cleanup failed", 500, nil))
	assert.Len(t, doc.Suppressed(), 1)
}

func TestJobDocumentFailIsTerminal(t *testing.T) {
	doc := NewJobDocument("job-1", nil, nil)
	require.NoError(t, doc.Fail(NewFailure("boom", 500, nil)))

	assert.True(t, doc.IsTerminal())
	assert.ErrorIs(t, doc.Complete(json.RawMessage(`{}`)), ErrDocumentTerminal)
	require.NotNil(t, doc.Failure())
	assert.Equal(t, "boom", doc.Failure().Message)
}

func allocPtr(a AllocationID) *AllocationID { return &a }
