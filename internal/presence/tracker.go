package presence

import (
	"strings"
	"sync"
	"time"
)

// Tracker holds one presence record per identity. It is safe for concurrent use.
type Tracker struct {
	cfg Config

	mu      sync.RWMutex
	records map[string]*Record
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.LapseAfter <= 0 {
		cfg.LapseAfter = DefaultLapseAfter
	}
	return &Tracker{cfg: cfg, records: make(map[string]*Record)}
}

// RecordObservation reconciles a sighting of identity at observedAt with the
// stored record and reports which fields must be persisted.
func (t *Tracker) RecordObservation(identity string, observedAt time.Time) (Change, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Change{}, ErrInvalidIdentity
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[identity]
	if !ok {
		rec = &Record{
			Identity:         identity,
			EntryTime:        observedAt,
			LastSeenTime:     observedAt,
			DisciplineStatus: StatusPresent,
		}
		t.records[identity] = rec
		return Change{Kind: Created, Identity: identity, Record: *rec}, nil
	}

	// last_seen_time never moves backwards
	if observedAt.Before(rec.LastSeenTime) {
		observedAt = rec.LastSeenTime
	}

	var kind ChangeKind
	if observedAt.Sub(rec.LastSeenTime) > t.cfg.LapseAfter {
		rec.DisciplineStatus = StatusLapsed
		if t.cfg.ResetEntryOnReturn {
			rec.EntryTime = observedAt
		}
		kind = DisciplineChanged
	} else {
		rec.DisciplineStatus = StatusPresent
		rec.WorkingHours = observedAt.Sub(rec.EntryTime).Hours()
		kind = HoursUpdated
	}
	rec.LastSeenTime = observedAt

	return Change{Kind: kind, Identity: identity, Record: *rec}, nil
}

// Get returns a copy of the record for identity.
func (t *Tracker) Get(identity string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[strings.TrimSpace(identity)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every record keyed by identity.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Record, len(t.records))
	for id, rec := range t.records {
		out[id] = *rec
	}
	return out
}

// Len reports how many identities are tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Reset drops every record.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.records = make(map[string]*Record)
	t.mu.Unlock()
}

// Config returns the lapse configuration in use.
func (t *Tracker) Config() Config {
	return t.cfg
}
