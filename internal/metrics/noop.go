package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ConversationTaskCompleted(outcome string, d time.Duration)   {}
func (n *NoopSink) ConversationQueuesSet(count int)                             {}
func (n *NoopSink) SessionStateChanged(from, to string)                         {}
func (n *NoopSink) ReconnectScheduled(reason string)                            {}
func (n *NoopSink) SessionsLiveSet(count int)                                   {}
func (n *NoopSink) JobEnqueued()                                                {}
func (n *NoopSink) JobAttemptCompleted(outcome string, d time.Duration)         {}
func (n *NoopSink) QueueDepthSet(queued, active, dead int)                      {}
func (n *NoopSink) WebhookAttemptCompleted(statusClass string, d time.Duration) {}
func (n *NoopSink) WebhookOutcome(outcome string)                               {}
func (n *NoopSink) WebhookDeduplicated()                                        {}
func (n *NoopSink) NotifyDropped()                                              {}
func (n *NoopSink) NotifyBufferSizeUpdate(size int)                             {}
func (n *NoopSink) BufferSizeUpdate(size int)                                   {}
func (n *NoopSink) EmitError()                                                  {}
func (n *NoopSink) ReconcileCycleCompleted(redelivered, requeued, purged int)   {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                           {}
func (n *NoopSink) LeaderAcquired()                                             {}
func (n *NoopSink) LeaderLost(reason string)                                    {}
