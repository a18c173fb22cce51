package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session and fallback counters, registered on the default registry and
// exposed by the relay's /metrics endpoint.
var (
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuelens_audio_frames_sent_total",
		Help: "Audio append messages sent over the realtime channel",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuelens_session_reconnects_total",
		Help: "Realtime session reconnection attempts",
	})

	FatalSessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuelens_session_fatal_errors_total",
		Help: "Realtime sessions terminated by a fatal error",
	})

	TranscriptsFinal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuelens_transcripts_final_total",
		Help: "Final transcript events delivered",
	})

	TranscriptsPartial = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuelens_transcripts_partial_total",
		Help: "Partial transcript events delivered",
	})

	Bursts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuelens_fallback_bursts_total",
		Help: "Completed burst recording cycles",
	})

	BurstUploadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuelens_fallback_upload_failures_total",
		Help: "Burst uploads that failed without stopping the cycle",
	})

	GateWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cuelens_gate_waits_total",
		Help: "Capture slot requests that had to queue",
	})
)
