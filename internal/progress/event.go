package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobStart  Stage = "JOB_START"
	StagePhase     Stage = "JOB_PHASE"
	StageItemDone  Stage = "ITEM_DONE"
	StageItemError Stage = "ITEM_ERROR"
	StageJobDone   Stage = "JOB_DONE"
	StageJobAbort  Stage = "JOB_ABORTED"
)

// Event captures one harvest milestone.
type Event struct {
	// JobID identifies the harvest run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// State is the orchestrator state entered, for phase events.
	State string
	// Item is the item name, for item events.
	Item string
	URL  string
	// Bytes is the committed payload size of an item.
	Bytes int64
	// Kind is the failure kind of an item or job error.
	Kind string
	// Total is the number of items discovered so far.
	Total int64
	// Dur is the item or job latency.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobAbort:
	case StagePhase:
		if e.State == "" {
			return errors.New("phase event requires state")
		}
	case StageItemDone, StageItemError:
		if e.Item == "" {
			return errors.New("item event requires item")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
