package shared

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "voice_agent"

// Metrics counts session, audio chunk and inbound frame activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsFailed  *prometheus.CounterVec

	ChunksSent    prometheus.Counter
	ChunksDropped prometheus.Counter
	BytesSent     prometheus.Counter

	EventsReceived *prometheus.CounterVec
	FramesFailed   *prometheus.CounterVec
	AudioPlayed    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_started_total",
			Help:      "Listening sessions started",
		}),
		SessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_failed_total",
			Help:      "Listening sessions ended by a fatal error",
		}, []string{"category"}),
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audio_chunks_sent_total",
			Help:      "Microphone chunks forwarded to the transport",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Microphone chunks dropped because the transport was not open",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Microphone bytes forwarded to the transport",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Inbound events by kind",
		}, []string{"kind"}),
		FramesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_failed_total",
			Help:      "Inbound frames or audio payloads that could not be decoded",
		}, []string{"reason"}),
		AudioPlayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "audio_chunks_played_total",
			Help:      "Synthesized audio chunks queued for playback",
		}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) SessionFailed(err error) {
	if m == nil || err == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(Category(err)).Inc()
}

func (m *Metrics) ChunkSent(size int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.BytesSent.Add(float64(size))
}

func (m *Metrics) ChunkDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

func (m *Metrics) EventReceived(kind string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameFailed(reason string) {
	if m == nil {
		return
	}
	m.FramesFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) AudioChunkPlayed() {
	if m == nil {
		return
	}
	m.AudioPlayed.Inc()
}
