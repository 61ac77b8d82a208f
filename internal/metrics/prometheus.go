package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Conversation metrics
	conversationTasksTotal *prometheus.CounterVec
	conversationTaskTime   prometheus.Histogram
	conversationQueues     prometheus.Gauge

	// Session metrics
	sessionTransitionsTotal *prometheus.CounterVec
	reconnectsTotal         *prometheus.CounterVec
	sessionsLive            prometheus.Gauge

	// Outbound queue metrics
	jobsEnqueuedTotal prometheus.Counter
	jobAttemptsTotal  *prometheus.CounterVec
	jobSendDuration   prometheus.Histogram
	queueDepth        *prometheus.GaugeVec

	// Webhook metrics
	webhookAttemptsTotal *prometheus.CounterVec
	webhookDuration      prometheus.Histogram
	webhookOutcomesTotal *prometheus.CounterVec
	webhookDedupTotal    prometheus.Counter
	notifyDroppedTotal   prometheus.Counter
	notifyBufferSize     prometheus.Gauge

	// EventBus metrics
	bufferSize      prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Reconciler metrics
	reconcileItemsTotal *prometheus.CounterVec

	// Leader metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initConversationMetrics(reg)
	s.initSessionMetrics(reg)
	s.initQueueMetrics(reg)
	s.initWebhookMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initBackgroundMetrics(reg)
	return s
}

func (s *PrometheusSink) initConversationMetrics(reg prometheus.Registerer) {
	s.conversationTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newton_conversation_tasks_total",
		Help: "Total number of per-conversation tasks by outcome.",
	}, []string{"outcome"})
	s.conversationTaskTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "newton_conversation_task_duration_seconds",
		Help:    "Time spent executing a per-conversation task, lock included.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	s.conversationQueues = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "newton_conversation_queues",
		Help: "Number of conversations with queued or running work.",
	})

	s.register(reg, s.conversationTasksTotal, "newton_conversation_tasks_total")
	s.register(reg, s.conversationTaskTime, "newton_conversation_task_duration_seconds")
	s.register(reg, s.conversationQueues, "newton_conversation_queues")
}

func (s *PrometheusSink) initSessionMetrics(reg prometheus.Registerer) {
	s.sessionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newton_session_transitions_total",
		Help: "Total number of session state transitions.",
	}, []string{"from", "to"})
	s.reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newton_session_reconnects_scheduled_total",
		Help: "Total number of scheduled reconnects by close reason.",
	}, []string{"reason"})
	s.sessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "newton_sessions_live",
		Help: "Number of sessions with a live actor in this process.",
	})

	s.register(reg, s.sessionTransitionsTotal, "newton_session_transitions_total")
	s.register(reg, s.reconnectsTotal, "newton_session_reconnects_scheduled_total")
	s.register(reg, s.sessionsLive, "newton_sessions_live")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.jobsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newton_queue_jobs_enqueued_total",
		Help: "Total number of outbound jobs enqueued.",
	})
	s.jobAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newton_queue_job_attempts_total",
		Help: "Total number of outbound send attempts by outcome.",
	}, []string{"outcome"})
	s.jobSendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "newton_queue_send_duration_seconds",
		Help:    "Send latency of outbound jobs in seconds (excludes backoff wait).",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "newton_queue_depth",
		Help: "Number of outbound jobs per state (queued, active, dead).",
	}, []string{"state"})

	s.register(reg, s.jobsEnqueuedTotal, "newton_queue_jobs_enqueued_total")
	s.register(reg, s.jobAttemptsTotal, "newton_queue_job_attempts_total")
	s.register(reg, s.jobSendDuration, "newton_queue_send_duration_seconds")
	s.register(reg, s.queueDepth, "newton_queue_depth")
}

func (s *PrometheusSink) initWebhookMetrics(reg prometheus.Registerer) {
	s.webhookAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newton_webhook_attempts_total",
		Help: "Total number of webhook HTTP attempts by status class.",
	}, []string{"status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "newton_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.webhookOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newton_webhook_outcomes_total",
		Help: "Total number of webhook delivery outcomes.",
	}, []string{"outcome"})
	s.webhookDedupTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newton_webhook_deduplicated_total",
		Help: "Total number of notifications dropped as duplicates.",
	})
	s.notifyDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newton_webhook_notify_dropped_total",
		Help: "Total number of notifications dropped because the buffer was full.",
	})
	s.notifyBufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "newton_webhook_notify_buffer_size",
		Help: "Current number of notifications waiting for a webhook worker.",
	})

	s.register(reg, s.webhookAttemptsTotal, "newton_webhook_attempts_total")
	s.register(reg, s.webhookDuration, "newton_webhook_duration_seconds")
	s.register(reg, s.webhookOutcomesTotal, "newton_webhook_outcomes_total")
	s.register(reg, s.webhookDedupTotal, "newton_webhook_deduplicated_total")
	s.register(reg, s.notifyDroppedTotal, "newton_webhook_notify_dropped_total")
	s.register(reg, s.notifyBufferSize, "newton_webhook_notify_buffer_size")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "newton_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newton_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "newton_eventbus_buffer_size")
	s.register(reg, s.emitErrorsTotal, "newton_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initBackgroundMetrics(reg prometheus.Registerer) {
	s.reconcileItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newton_reconciler_items_total",
		Help: "Total number of items handled by the reconciler by action.",
	}, []string{"action"})
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "newton_leader_status",
		Help: "1 when this instance is the leader, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newton_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newton_leader_lost_total",
		Help: "Total number of times leadership was lost by reason.",
	}, []string{"reason"})

	s.register(reg, s.reconcileItemsTotal, "newton_reconciler_items_total")
	s.register(reg, s.leaderStatus, "newton_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "newton_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "newton_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("metrics: failed to register")
	}
}

func (s *PrometheusSink) ConversationTaskCompleted(outcome string, duration time.Duration) {
	s.conversationTasksTotal.WithLabelValues(outcome).Inc()
	s.conversationTaskTime.Observe(duration.Seconds())
}

func (s *PrometheusSink) ConversationQueuesSet(n int) {
	s.conversationQueues.Set(float64(n))
}

func (s *PrometheusSink) SessionStateChanged(from, to string) {
	s.sessionTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (s *PrometheusSink) ReconnectScheduled(reason string) {
	s.reconnectsTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) SessionsLiveSet(n int) {
	s.sessionsLive.Set(float64(n))
}

func (s *PrometheusSink) JobEnqueued() {
	s.jobsEnqueuedTotal.Inc()
}

func (s *PrometheusSink) JobAttemptCompleted(outcome string, duration time.Duration) {
	s.jobAttemptsTotal.WithLabelValues(outcome).Inc()
	s.jobSendDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) QueueDepthSet(queued, active, dead int) {
	s.queueDepth.WithLabelValues("queued").Set(float64(queued))
	s.queueDepth.WithLabelValues("active").Set(float64(active))
	s.queueDepth.WithLabelValues("dead").Set(float64(dead))
}

func (s *PrometheusSink) WebhookAttemptCompleted(statusClass string, duration time.Duration) {
	s.webhookAttemptsTotal.WithLabelValues(statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) WebhookOutcome(outcome string) {
	s.webhookOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) WebhookDeduplicated() {
	s.webhookDedupTotal.Inc()
}

func (s *PrometheusSink) NotifyDropped() {
	s.notifyDroppedTotal.Inc()
}

func (s *PrometheusSink) NotifyBufferSizeUpdate(size int) {
	s.notifyBufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) ReconcileCycleCompleted(redelivered, requeued, purged int) {
	s.reconcileItemsTotal.WithLabelValues("redelivered").Add(float64(redelivered))
	s.reconcileItemsTotal.WithLabelValues("requeued").Add(float64(requeued))
	s.reconcileItemsTotal.WithLabelValues("purged").Add(float64(purged))
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
		return
	}
	s.leaderStatus.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
