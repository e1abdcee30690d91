package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StageRecordDone   Stage = "RECORD_DONE"
	StageRecordFailed Stage = "RECORD_FAILED"
	StageAuthRefresh  Stage = "AUTH_REFRESH"
	StageSyncPage     Stage = "SYNC_PAGE"
)

// Event captures a single milestone of a crawl or sync run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// RecordID scopes record events.
	RecordID    string
	WorkspaceID string
	// Level names the hierarchy level of a sync page (workspaces, containers, records).
	Level string
	// Items counts entities upserted from a sync page.
	Items int64
	// Changes counts change entries persisted for a record.
	Changes int64
	// Kind classifies failures and auth refresh outcomes.
	Kind string
	Dur  time.Duration
	// Note carries low-volume context such as error text. It must not contain secrets.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageRecordDone, StageRecordFailed, StageAuthRefresh:
		if e.RecordID == "" {
			return fmt.Errorf("%s requires record id", e.Stage)
		}
	case StageSyncPage:
		if e.Level == "" {
			return errors.New("sync page requires level")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
