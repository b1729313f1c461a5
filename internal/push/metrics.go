package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	frameDelivered = "delivered"
	frameSkipped   = "skipped"
	frameRejected  = "rejected"
)

// Metrics holds the push client's collectors. A nil *Metrics is valid.
type Metrics struct {
	frames     *prometheus.CounterVec
	connects   prometheus.Counter
	reconnects prometheus.Counter
}

// NewMetrics registers the push collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memsync_push_frames_total",
			Help: "Push frames received, by result",
		}, []string{"result"}),
		connects: f.NewCounter(prometheus.CounterOpts{
			Name: "memsync_push_connects_total",
			Help: "Successful push connections",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "memsync_push_reconnects_total",
			Help: "Push reconnect attempts",
		}),
	}
}

func (m *Metrics) frame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
