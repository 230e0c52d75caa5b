package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one server instance. Each instance owns
// its registry so several servers can coexist in one test binary.
type Metrics struct {
	Registry *prometheus.Registry

	Connections  prometheus.Gauge
	MessagesSent prometheus.Counter
	SendFailures *prometheus.CounterVec
	Receipts     prometheus.Counter
	PushDropped  prometheus.Counter
	Presence     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duochat_connections",
			Help: "Live registered connections.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duochat_messages_sent_total",
			Help: "Messages durably appended.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duochat_send_failures_total",
			Help: "Rejected or failed sends by reason.",
		}, []string{"reason"}),
		Receipts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duochat_read_receipts_total",
			Help: "sent -> read transitions.",
		}),
		PushDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duochat_push_dropped_total",
			Help: "Events dropped because a connection's outbound queue was full or closed.",
		}),
		Presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duochat_presence_transitions_total",
			Help: "Presence transitions by status.",
		}, []string{"status"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.MessagesSent,
		m.SendFailures,
		m.Receipts,
		m.PushDropped,
		m.Presence,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
