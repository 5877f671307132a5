// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Observations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_observations_total",
		Help: "Recognized identity observations by resulting change kind.",
	}, []string{"change"})

	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_persist_failures_total",
		Help: "Persistence sink operations that failed.",
	}, []string{"op"})

	TrackedIdentities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_tracked_identities",
		Help: "Identities currently held by the tracker.",
	})

	Faces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_faces_total",
		Help: "Faces returned by the face service by match result.",
	}, []string{"result"})

	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_frames_processed_total",
		Help: "Frames handed to the recognizer by origin.",
	}, []string{"origin"})

	FrameReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_frame_read_errors_total",
		Help: "Failed frame reads in capture sessions.",
	})

	PendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_pending_writes",
		Help: "Changes waiting in the write buffer for the persistence sink.",
	})

	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_capture_session_active",
		Help: "1 while a capture session is running.",
	})

	QueueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_queue_messages_total",
		Help: "Queue messages handled by the worker by type and outcome.",
	}, []string{"type", "outcome"})
)
