package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors shared by a session's components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connectFailures prometheus.Counter
	merged          *prometheus.CounterVec
	historyPages    *prometheus.CounterVec
	sends           *prometheus.CounterVec
	flushes         *prometheus.CounterVec
	connState       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_connect_failures_total",
			Help: "Socket connection attempts that failed.",
		}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_merged_total",
			Help: "Messages applied to the message store, by source.",
		}, []string{"source"}),
		historyPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_history_pages_total",
			Help: "History page loads, by result.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outgoing messages, by result.",
		}, []string{"result"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_snapshot_flushes_total",
			Help: "Durable snapshot flushes, by result.",
		}, []string{"result"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "1 for the current socket connection state, 0 otherwise.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.connectFailures, m.merged, m.historyPages, m.sends, m.flushes, m.connState)
	}
	return m
}

func (m *Metrics) connectFailed() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) mergedMessages(src Source, n int) {
	if m == nil || n == 0 {
		return
	}
	m.merged.WithLabelValues(string(src)).Add(float64(n))
}

func (m *Metrics) historyPage(result string) {
	if m == nil {
		return
	}
	m.historyPages.WithLabelValues(result).Inc()
}

func (m *Metrics) send(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) flush(result string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(result).Inc()
}

func (m *Metrics) connectionState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateDisabled} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connState.WithLabelValues(string(st)).Set(v)
	}
}
