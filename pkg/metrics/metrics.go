// Package metrics exposes transfer counters as prometheus metrics.
// A nil *Metrics is valid everywhere and records nothing, so the
// engine works without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionsFailed   *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	bytesTx          prometheus.Counter
	bytesRx          prometheus.Counter
	intrusionDrops   prometheus.Counter
	retransmits      prometheus.Counter
}

// New builds the collector set and registers it with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpfw_sessions_started_total",
			Help: "Sessions created, by request type.",
		}, []string{"request"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpfw_sessions_finished_total",
			Help: "Sessions that completed their transfer, by request type.",
		}, []string{"request"}),
		sessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tftpfw_sessions_failed_total",
			Help: "Sessions that ended with a TFTP error, by request type.",
		}, []string{"request"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tftpfw_active_sessions",
			Help: "Sessions currently running.",
		}),
		bytesTx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftpfw_bytes_tx_total",
			Help: "Payload bytes sent in DATA packets.",
		}),
		bytesRx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftpfw_bytes_rx_total",
			Help: "Payload bytes received in DATA packets.",
		}),
		intrusionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftpfw_intrusion_drops_total",
			Help: "Datagrams dropped because they came from a foreign endpoint.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tftpfw_retransmits_total",
			Help: "Packets re-sent after a receive timeout.",
		}),
	}
	reg.MustRegister(
		m.sessionsStarted, m.sessionsFinished, m.sessionsFailed,
		m.activeSessions, m.bytesTx, m.bytesRx,
		m.intrusionDrops, m.retransmits,
	)
	return m
}

func (m *Metrics) SessionStarted(request string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(request).Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) SessionFinished(request string, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.sessionsFailed.WithLabelValues(request).Inc()
	} else {
		m.sessionsFinished.WithLabelValues(request).Inc()
	}
	m.activeSessions.Dec()
}

func (m *Metrics) AddTx(n int) {
	if m == nil {
		return
	}
	m.bytesTx.Add(float64(n))
}

func (m *Metrics) AddRx(n int) {
	if m == nil {
		return
	}
	m.bytesRx.Add(float64(n))
}

func (m *Metrics) IntrusionDrop() {
	if m == nil {
		return
	}
	m.intrusionDrops.Inc()
}

func (m *Metrics) Retransmit() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}
