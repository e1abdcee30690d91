package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/progress"
	"github.com/JakeFAU/revision-crawler/internal/store"
)

// StoreSink keeps durable run history through a store.RunRepository. Record
// outcomes are collapsed per run so one batch costs one counter update.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order: run starts, then counter deltas, then
// completions, so a run finished inside one batch still gets its counts.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*pendingDelta)
	var completions []progress.Event

	for _, evt := range batch {
		runID := uuid.UUID(evt.RunID)
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageRecordDone:
			d := deltaFor(deltas, runID, evt.TS)
			d.Succeeded++
			d.Changes += evt.Changes
		case progress.StageRecordFailed:
			deltaFor(deltas, runID, evt.TS).Failed++
		case progress.StageAuthRefresh:
			deltaFor(deltas, runID, evt.TS).AuthRefresh++
		case progress.StageRunDone, progress.StageRunError:
			completions = append(completions, evt)
		}
	}

	for runID, d := range deltas {
		if d.Empty() {
			continue
		}
		if err := s.repo.AddRunCounts(ctx, runID, d.RunDelta, d.at); err != nil {
			return fmt.Errorf("add run counts: %w", err)
		}
	}

	for _, evt := range completions {
		status := store.RunSuccess
		var note *string
		if evt.Stage == progress.StageRunError {
			status = store.RunError
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
		}
		if err := s.repo.CompleteRun(ctx, uuid.UUID(evt.RunID), evt.TS, status, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type pendingDelta struct {
	store.RunDelta
	at time.Time
}

func deltaFor(deltas map[uuid.UUID]*pendingDelta, runID uuid.UUID, ts time.Time) *pendingDelta {
	d := deltas[runID]
	if d == nil {
		d = &pendingDelta{}
		deltas[runID] = d
	}
	if ts.After(d.at) {
		d.at = ts
	}
	return d
}
