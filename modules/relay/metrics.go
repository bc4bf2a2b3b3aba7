package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zachfi/dfpwmrelay/pkg/session"
)

const (
	metricsNamespace = "dfpwmrelay"
	metricsSubsystem = "relay"
)

type metrics struct {
	activeSessions  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	rejectedTotal   *prometheus.CounterVec
	framesSent      prometheus.Counter
	bytesSent       prometheus.Counter
	stageStarts     *prometheus.CounterVec
	resolveDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)

	return &metrics{
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_sessions",
			Help:      "Sessions currently connected.",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_total",
			Help:      "Finished sessions by final state and stream end reason.",
		}, []string{"state", "reason"}),
		rejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rejected_connections_total",
			Help:      "Connections turned away before a session started.",
		}, []string{"reason"}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "frames_sent_total",
			Help:      "Frames delivered to clients.",
		}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes_sent_total",
			Help:      "DFPWM bytes delivered to clients.",
		}),
		stageStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "stage_starts_total",
			Help:      "External process launches by stage and result.",
		}, []string{"stage", "result"}),
		resolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving locators.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

func (m *metrics) observe(res session.Result) {
	m.sessionsTotal.WithLabelValues(res.State.String(), res.Reason.String()).Inc()
	m.framesSent.Add(float64(res.Frames))
	m.bytesSent.Add(float64(res.Bytes))
	if res.ResolveTime > 0 {
		m.resolveDuration.Observe(res.ResolveTime.Seconds())
	}
}
