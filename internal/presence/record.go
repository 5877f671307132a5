package presence

import (
	"errors"
	"time"
)

// ErrInvalidIdentity is returned when an observation carries no identity.
var ErrInvalidIdentity = errors.New("invalid identity")

// DefaultLapseAfter is the inactivity gap after which a person is considered gone.
const DefaultLapseAfter = 30 * time.Minute

// Status is the discipline status of a tracked identity.
type Status int

const (
	StatusLapsed  Status = 0
	StatusPresent Status = 1
)

func (s Status) String() string {
	if s == StatusPresent {
		return "present"
	}
	return "lapsed"
}

// Record is the bookkeeping entry kept for one recognized identity.
type Record struct {
	Identity         string    `json:"-"`
	EntryTime        time.Time `json:"entry_time"`
	LastSeenTime     time.Time `json:"last_seen_time"`
	DisciplineStatus Status    `json:"discipline_status"`
	WorkingHours     float64   `json:"working_hours"`
}

// ChangeKind tells the caller which persistence statement an observation needs.
type ChangeKind string

const (
	Created           ChangeKind = "created"
	DisciplineChanged ChangeKind = "discipline_changed"
	HoursUpdated      ChangeKind = "hours_updated"
)

// Change is the result of one observation: the updated record tagged with what changed.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Identity string     `json:"identity"`
	Record   Record     `json:"record"`
}

// Config controls the lapse rule.
type Config struct {
	// LapseAfter is the largest gap between two sightings that still counts as continuous presence.
	LapseAfter time.Duration
	// ResetEntryOnReturn restarts EntryTime when a person is seen again after a lapse,
	// so working hours no longer include the time they were away.
	ResetEntryOnReturn bool
}

// DefaultConfig returns the 30 minute lapse rule with entry reset on return.
func DefaultConfig() Config {
	return Config{LapseAfter: DefaultLapseAfter, ResetEntryOnReturn: true}
}
