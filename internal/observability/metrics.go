// Package observability groups the Prometheus instruments emitted by the
// coordination service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveAgents      prometheus.Gauge
	QueueLength       prometheus.Gauge
	AgentEvents       *prometheus.CounterVec
	SpeechCompletions *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	QueueWaitSeconds  prometheus.Histogram

	waitWindow *waitWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Number of currently registered agents.",
		}),
		QueueLength: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Number of pending speech requests.",
		}),
		AgentEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_events_total",
			Help:      "Agent lifecycle events by type.",
		}, []string{"event"}),
		SpeechCompletions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_completions_total",
			Help:      "Speech completions by reason.",
		}, []string{"reason"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write errors by reason.",
		}, []string{"reason"}),
		QueueWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Actual wait time from submit to grant, in seconds.",
			Buckets:   []float64{0, 1, 2, 5, 10, 15, 30, 60, 120},
		}),
		waitWindow: newWaitWindow(256),
	}
}

// ObserveQueueWait records the actual wait time a granted request
// experienced, both in the Prometheus histogram and the rolling window used
// by the status view to sanity-check the constant-5s estimate.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWaitSeconds.Observe(d.Seconds())
	m.waitWindow.Observe(d.Seconds())
}

// WaitStats returns a summary of recently observed queue waits.
func (m *Metrics) WaitStats() WaitStats {
	if m == nil || m.waitWindow == nil {
		return WaitStats{}
	}
	return m.waitWindow.Stats()
}

// SetQueueLength records the current number of pending speech requests.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
