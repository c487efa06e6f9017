package models

import (
	"fmt"
)

// Job statuses as reported by the backend. The backend is the sole
// authority for transitions; the client only validates the optimistic
// local transitions it applies while a command is in flight.
const (
	StatusQueued     JobStatus = "queued"     // accepted, waiting for a worker slot
	StatusStarting   JobStatus = "starting"   // worker spawning the fetch tool
	StatusRunning    JobStatus = "running"    // actively downloading/remuxing
	StatusPausing    JobStatus = "pausing"    // pause requested, awaiting confirmation
	StatusPaused     JobStatus = "paused"     // suspended by user
	StatusRetrying   JobStatus = "retrying"   // transient fetch error, backing off
	StatusCancelling JobStatus = "cancelling" // cancel requested, awaiting confirmation
	StatusCompleted  JobStatus = "completed"  // finished successfully
	StatusFailed     JobStatus = "failed"     // failed permanently
	StatusCancelled  JobStatus = "cancelled"  // cancelled by user
)

// validTransitions maps from-status to allowed to-statuses. Used to gate
// optimistic client-side transitions (pause/resume/cancel) before the
// backend confirms; authoritative payloads are merged by version and are
// never rejected by this table.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	StatusQueued: {
		StatusStarting:   true, // worker picked the job up
		StatusRunning:    true, // backends may skip the starting phase
		StatusPausing:    true, // user pauses before start
		StatusPaused:     true,
		StatusCancelling: true, // user cancels before start
		StatusCancelled:  true,
		StatusFailed:     true, // rejected during validation
	},
	StatusStarting: {
		StatusRunning:    true,
		StatusPausing:    true,
		StatusPaused:     true,
		StatusRetrying:   true, // tool failed to spawn, backing off
		StatusCancelling: true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusRunning: {
		StatusPausing:    true,
		StatusPaused:     true, // backends may skip the pausing phase
		StatusRetrying:   true,
		StatusCancelling: true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusPausing: {
		StatusPaused:     true,
		StatusRunning:    true, // pause raced completion of the current segment
		StatusCancelling: true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusPaused: {
		StatusRunning:    true, // resume
		StatusStarting:   true, // some backends restart the tool on resume
		StatusCancelling: true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusRetrying: {
		StatusQueued:     true, // backoff elapsed, requeued
		StatusStarting:   true,
		StatusRunning:    true,
		StatusPausing:    true,
		StatusPaused:     true,
		StatusCancelling: true,
		StatusCancelled:  true,
		StatusFailed:     true, // retries exhausted
	},
	StatusCancelling: {
		StatusCancelled: true,
		StatusCompleted: true, // cancel raced a natural finish
		StatusFailed:    true,
	},
	// Terminal statuses. Leaving them requires an explicit retry, which is
	// handled outside this table (see Controller.RetryJob).
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ValidateTransition reports whether moving from one status to another is a
// known forward transition. Unknown statuses (forward compatibility: the
// backend may grow new ones) are always allowed.
func ValidateTransition(from, to JobStatus) error {
	allowed, known := validTransitions[from]
	if !known {
		return nil
	}
	if _, known := validTransitions[to]; !known {
		return nil
	}
	if from == to {
		return nil
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal reports whether the status admits no further automatic
// transition. Only an explicit retry leaves a terminal status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the backend is still working on the job.
func (s JobStatus) IsActive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPausing, StatusRetrying, StatusCancelling:
		return true
	}
	return false
}

// CanPause reports whether a pause command makes sense in this status.
func (s JobStatus) CanPause() bool {
	return s == StatusQueued || s == StatusStarting || s == StatusRunning || s == StatusRetrying
}

// CanResume reports whether a resume command makes sense in this status.
func (s JobStatus) CanResume() bool {
	return s == StatusPaused || s == StatusPausing
}

// CanCancel reports whether a cancel command makes sense in this status.
func (s JobStatus) CanCancel() bool {
	return !s.IsTerminal() && s != StatusCancelling
}

// CanRetry reports whether a retry command makes sense in this status.
// Retrying a completed job re-downloads it, which the backend permits.
func (s JobStatus) CanRetry() bool {
	return s.IsTerminal()
}
