package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/revision-crawler/internal/progress"
	"github.com/JakeFAU/revision-crawler/internal/store"
)

// TestStoreSinkCollapsesRecordEvents ensures record outcomes become one delta per run.
func TestStoreSinkCollapsesRecordEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := uuid.New()
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now},
		{RunID: runID, Stage: progress.StageRecordDone, RecordID: "a", Changes: 2, TS: now.Add(time.Second)},
		{RunID: runID, Stage: progress.StageAuthRefresh, RecordID: "b", TS: now.Add(2 * time.Second)},
		{RunID: runID, Stage: progress.StageRecordDone, RecordID: "b", Changes: 5, TS: now.Add(3 * time.Second)},
		{RunID: runID, Stage: progress.StageRecordFailed, RecordID: "c", TS: now.Add(4 * time.Second)},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(5 * time.Second)},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{runID}, repo.starts)
	require.Len(t, repo.deltas, 1)
	require.Equal(t, store.RunDelta{Succeeded: 2, Failed: 1, Changes: 7, AuthRefresh: 1}, repo.deltas[0])
	require.Equal(t, []store.RunStatus{store.RunSuccess}, repo.completes)
	require.Equal(t, []string{"counts", "complete"}, repo.calls[1:])
}

func TestStoreSinkRecordsRunError(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: uuid.New(), Stage: progress.StageRunError, TS: time.Now(), Note: "browser unavailable"},
	})
	require.NoError(t, err)
	require.Equal(t, []store.RunStatus{store.RunError}, repo.completes)
	require.Equal(t, "browser unavailable", repo.lastNote)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeRunRepo{fail: true}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: uuid.New(), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeRunRepo struct {
	fail      bool
	calls     []string
	starts    []uuid.UUID
	deltas    []store.RunDelta
	completes []store.RunStatus
	lastNote  string
}

var errRepo = errors.New("repo down")

func (f *fakeRunRepo) StartRun(_ context.Context, runID uuid.UUID, _ time.Time) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "start")
	f.starts = append(f.starts, runID)
	return nil
}

func (f *fakeRunRepo) CompleteRun(_ context.Context, _ uuid.UUID, _ time.Time, status store.RunStatus, errMsg *string) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "complete")
	f.completes = append(f.completes, status)
	if errMsg != nil {
		f.lastNote = *errMsg
	}
	return nil
}

func (f *fakeRunRepo) AddRunCounts(_ context.Context, _ uuid.UUID, delta store.RunDelta, _ time.Time) error {
	if f.fail {
		return errRepo
	}
	f.calls = append(f.calls, "counts")
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, nil
}
