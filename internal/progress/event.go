// Package progress defines the event stream emitted by crawl runs and the
// hub that fans events out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
	StagePageDone Stage = "PAGE_DONE"
	StagePageFail Stage = "PAGE_FAIL"
	// StagePageSkip marks a page whose content fingerprint matched an
	// already-crawled page; it was stored but not indexed.
	StagePageSkip Stage = "PAGE_SKIP"
)

// Event captures a single milestone of crawler progress.
type Event struct {
	// RunID identifies the crawl run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Domain scopes page events to a host.
	Domain string
	URL    string
	// Tokens is the indexed token count for PAGE_DONE events.
	Tokens int
	// NewLinks counts freshly enqueued outbound links for page events.
	NewLinks int
	// Queued is the frontier depth after the page was processed.
	Queued int
	// Dur captures fetch latency for page events and wall time for run
	// completions.
	Dur time.Duration
	// Note carries low-volume context such as error text.
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
	case StagePageDone, StagePageFail, StagePageSkip:
		if e.URL == "" {
			return errors.New("page events require a url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID form.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// NewRunID generates a run identifier in the Event form.
func NewRunID() [16]byte {
	return uuid.New()
}
