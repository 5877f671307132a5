package recognition

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"presence/internal/faceclient"
	"presence/internal/metrics"
	"presence/internal/presence"
)

// Identifier finds known faces in a frame.
type Identifier interface {
	Identify(ctx context.Context, frame []byte, filename string) (*faceclient.IdentifyResult, error)
}

// Observer records that an identity was seen.
type Observer interface {
	Observe(ctx context.Context, identity string) (presence.Change, error)
}

// Archiver stores the frame in which an identity entered.
type Archiver interface {
	ArchiveFrame(ctx context.Context, identity string, frame []byte) (string, error)
}

// SnapshotStore remembers where an entry frame was archived.
type SnapshotStore interface {
	SetEntrySnapshot(ctx context.Context, identity, url string) error
}

// Outcome is the tracker result for one recognized face.
type Outcome struct {
	Identity   string              `json:"identity"`
	Confidence float64             `json:"confidence"`
	Change     presence.ChangeKind `json:"change"`
	Record     presence.Record     `json:"record"`
}

// Result summarizes one processed frame.
type Result struct {
	FacesDetected int       `json:"faces_detected"`
	Recognized    []Outcome `json:"recognized"`
	Unknown       int       `json:"unknown"`
}

// Recognizer turns frames into presence observations.
type Recognizer struct {
	identifier    Identifier
	observer      Observer
	minConfidence float64
	archiver      Archiver
	snapshots     SnapshotStore
	log           zerolog.Logger
}

// Option customizes a Recognizer.
type Option func(*Recognizer)

// WithMinConfidence drops matches scored below min.
func WithMinConfidence(min float64) Option {
	return func(r *Recognizer) { r.minConfidence = min }
}

// WithEntryArchive uploads the first frame of every new presence record.
func WithEntryArchive(a Archiver, s SnapshotStore) Option {
	return func(r *Recognizer) {
		r.archiver = a
		r.snapshots = s
	}
}

// WithLogger sets the recognizer logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Recognizer) { r.log = l }
}

// New creates a recognizer.
func New(identifier Identifier, observer Observer, opts ...Option) *Recognizer {
	r := &Recognizer{identifier: identifier, observer: observer, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Process identifies the faces in frame and records one observation per
// recognized identity. origin labels the frame source in metrics.
func (r *Recognizer) Process(ctx context.Context, frame []byte, origin string) (Result, error) {
	metrics.FramesProcessed.WithLabelValues(origin).Inc()

	res, err := r.identifier.Identify(ctx, frame, origin+".jpg")
	if err != nil {
		return Result{}, fmt.Errorf("identify frame: %w", err)
	}

	out := Result{FacesDetected: res.FacesDetected, Recognized: []Outcome{}}
	best := map[string]float64{}
	var order []string
	for _, f := range res.Faces {
		id := strings.TrimSpace(f.Identity)
		if !f.Matched || id == "" || f.Confidence < r.minConfidence {
			out.Unknown++
			metrics.Faces.WithLabelValues("unmatched").Inc()
			continue
		}
		metrics.Faces.WithLabelValues("matched").Inc()
		if prev, seen := best[id]; seen {
			if f.Confidence > prev {
				best[id] = f.Confidence
			}
			continue
		}
		best[id] = f.Confidence
		order = append(order, id)
	}

	for _, id := range order {
		change, err := r.observer.Observe(ctx, id)
		if err != nil {
			if errors.Is(err, presence.ErrInvalidIdentity) {
				out.Unknown++
				continue
			}
			return out, err
		}
		out.Recognized = append(out.Recognized, Outcome{
			Identity:   id,
			Confidence: best[id],
			Change:     change.Kind,
			Record:     change.Record,
		})
		if change.Kind == presence.Created {
			r.archiveEntry(ctx, id, frame)
		}
	}
	return out, nil
}

func (r *Recognizer) archiveEntry(ctx context.Context, identity string, frame []byte) {
	if r.archiver == nil {
		return
	}
	url, err := r.archiver.ArchiveFrame(ctx, identity, frame)
	if err != nil {
		r.log.Warn().Err(err).Str("identity", identity).Msg("archive entry frame failed")
		return
	}
	if r.snapshots == nil {
		return
	}
	if err := r.snapshots.SetEntrySnapshot(ctx, identity, url); err != nil {
		r.log.Warn().Err(err).Str("identity", identity).Msg("store entry snapshot failed")
	}
}
