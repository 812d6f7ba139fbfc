package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for CRM ingestion and the
// conversations it drives. A nil *EngineMetrics is a no-op.
type EngineMetrics struct {
	crmEvents     *prometheus.CounterVec
	ingestLatency *prometheus.HistogramVec
	polls         *prometheus.CounterVec
	conversations *prometheus.CounterVec
	inbound       *prometheus.CounterVec
	outbound      *prometheus.CounterVec
	queueItems    *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		crmEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmtrigger",
			Subsystem: "ingest",
			Name:      "crm_events_total",
			Help:      "CRM events by type and pipeline outcome",
		}, []string{"crm_type", "outcome"}),
		ingestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crmtrigger",
			Subsystem: "ingest",
			Name:      "pipeline_latency_seconds",
			Help:      "Latency of processing one CRM event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmtrigger",
			Subsystem: "ingest",
			Name:      "polls_total",
			Help:      "Trigger polls by CRM type and status",
		}, []string{"crm_type", "status"}),
		conversations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmtrigger",
			Subsystem: "conversation",
			Name:      "starts_total",
			Help:      "Conversation start attempts by outcome",
		}, []string{"outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmtrigger",
			Subsystem: "conversation",
			Name:      "inbound_total",
			Help:      "Inbound contact messages by resulting action",
		}, []string{"action"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmtrigger",
			Subsystem: "conversation",
			Name:      "outbound_total",
			Help:      "Outbound gateway sends by status",
		}, []string{"status"}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmtrigger",
			Subsystem: "queue",
			Name:      "items_total",
			Help:      "Messages routed to the human queue",
		}, []string{"queue_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.crmEvents, m.ingestLatency, m.polls, m.conversations, m.inbound, m.outbound, m.queueItems)
	return m
}

func (m *EngineMetrics) ObserveCRMEvent(crmType, outcome string) {
	if m == nil {
		return
	}
	m.crmEvents.WithLabelValues(crmType, outcome).Inc()
}

func (m *EngineMetrics) ObserveIngestLatency(source string, seconds float64) {
	if m == nil {
		return
	}
	m.ingestLatency.WithLabelValues(source).Observe(seconds)
}

func (m *EngineMetrics) ObservePoll(crmType, status string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(crmType, status).Inc()
}

func (m *EngineMetrics) ObserveConversationStart(outcome string) {
	if m == nil {
		return
	}
	m.conversations.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveInbound(action string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(action).Inc()
}

func (m *EngineMetrics) ObserveOutbound(status string) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(status).Inc()
}

func (m *EngineMetrics) ObserveQueueItem(queueType string) {
	if m == nil {
		return
	}
	m.queueItems.WithLabelValues(queueType).Inc()
}
