package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CachedSnapshot is the last synced snapshot of an environment, stored as the
// JSON payload the runtime produced.
type CachedSnapshot struct {
	EnvironmentID string
	Payload       string
	FetchedAt     time.Time
	ExpiresAt     time.Time
}

// DisplayRecord notes that a survey was shown at a point in time.
// Records are append-only.
type DisplayRecord struct {
	ID            string
	EnvironmentID string
	SurveyID      string
	PersonID      string
	AttemptID     string
	DisplayedAt   time.Time
}

// ResponseRecord notes that a person answered a survey attempt.
type ResponseRecord struct {
	ID            string
	EnvironmentID string
	SurveyID      string
	AttemptID     string
	Finished      bool
	RecordedAt    time.Time
}

// DisplayStats summarizes the display history of one survey.
type DisplayStats struct {
	Count int
	Last  time.Time // zero when Count is 0
}
