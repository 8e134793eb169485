package proc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects actor counters. Nil *Metrics is valid and records nothing,
// all actors of the process share one instance.
type Metrics struct {
	fetches       *prometheus.CounterVec
	messages      *prometheus.CounterVec
	notifications prometheus.Counter
	leaderChanges *prometheus.CounterVec
	leaders       prometheus.Gauge
	cursor        prometheus.Gauge
}

// NewMetrics makes and registers collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed_notifier", Name: "fetches_total",
			Help: "feed endpoint calls by kind (prime, poll) and result",
		}, []string{"kind", "result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed_notifier", Name: "fanout_messages_total",
			Help: "fanout messages received by type, invalid for undecodable ones",
		}, []string{"type"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feed_notifier", Name: "notifications_total",
			Help: "visible notifications surfaced",
		}),
		leaderChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feed_notifier", Name: "leader_transitions_total",
			Help: "leadership transitions of local actors",
		}, []string{"to"}),
		leaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feed_notifier", Name: "local_leaders",
			Help: "local actors believing they are the leader",
		}),
		cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feed_notifier", Name: "cursor",
			Help: "last seen event id",
		}),
	}
	reg.MustRegister(m.fetches, m.messages, m.notifications, m.leaderChanges, m.leaders, m.cursor)
	return m
}

func (m *Metrics) fetch(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) message(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) notified() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) leadership(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.leaderChanges.WithLabelValues("leader").Inc()
		m.leaders.Inc()
		return
	}
	m.leaderChanges.WithLabelValues("follower").Inc()
	m.leaders.Dec()
}

func (m *Metrics) setCursor(v int64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(v))
}
