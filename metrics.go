package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors updated by the sync engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	inbound       prometheus.Counter
	duplicates    prometheus.Counter
	sends         *prometheus.CounterVec
	reconcileMiss prometheus.Counter
	reconnects    prometheus.Counter
	exhausted     prometheus.Counter
	polls         *prometheus.CounterVec
	unread        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const ns = "chatsync"
	m := &Metrics{
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "inbound_messages_total",
			Help: "Inbound messages appended to a conversation log.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "inbound_duplicates_total",
			Help: "Inbound messages dropped because their id was already present.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "sends_total",
			Help: "Message sends by result.",
		}, []string{"result"}),
		reconcileMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "reconcile_misses_total",
			Help: "Confirmed sends whose temporary entry was no longer in the log.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "reconnect_attempts_total",
			Help: "Failed realtime connection attempts.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "connectivity_exhausted_total",
			Help: "Times the realtime reconnect bound was reached.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "polls_total",
			Help: "Background reconciliation polls by result.",
		}, []string{"result"}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "unread_messages",
			Help: "Sum of unread counters across conversations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inbound, m.duplicates, m.sends, m.reconcileMiss,
			m.reconnects, m.exhausted, m.polls, m.unread)
	}
	return m
}

func (m *Metrics) incInbound() {
	if m != nil {
		m.inbound.Inc()
	}
}

func (m *Metrics) incDuplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) incSend(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incReconcileMiss() {
	if m != nil {
		m.reconcileMiss.Inc()
	}
}

func (m *Metrics) incReconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) incExhausted() {
	if m != nil {
		m.exhausted.Inc()
	}
}

func (m *Metrics) incPoll(result string) {
	if m != nil {
		m.polls.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setUnread(n int) {
	if m != nil {
		m.unread.Set(float64(n))
	}
}
