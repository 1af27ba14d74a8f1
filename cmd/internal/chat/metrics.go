package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
// All components accept a nil *Metrics and skip instrumentation.
type Metrics struct {
	SubscriptionsOpened  prometheus.Counter
	SubscriptionsClosed  prometheus.Counter
	SubscriptionsActive  prometheus.Gauge
	SubscriptionDegraded prometheus.Counter
	EventsDropped        prometheus.Counter

	MessagesMerged      prometheus.Counter
	OptimisticReplaced  prometheus.Counter
	PatchesBuffered     prometheus.Gauge
	OrderingViolations  prometheus.Counter
	PendingTimeouts     prometheus.Counter
	SendsSubmitted      prometheus.Counter
	SendsFailed         *prometheus.CounterVec
	SendRetries         prometheus.Counter
	UnreadRecomputes    prometheus.Counter
	CursorWritesSkipped prometheus.Counter
}

// NewMetrics registers the engine's instruments on reg.
// A nil reg registers on a private registry (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		SubscriptionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_subscriptions_opened_total",
			Help: "Raw store subscriptions opened.",
		}),
		SubscriptionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_subscriptions_closed_total",
			Help: "Raw store subscriptions torn down.",
		}),
		SubscriptionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "ripple_chat_subscriptions_active",
			Help: "Raw store subscriptions currently live.",
		}),
		SubscriptionDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_subscriptions_degraded_total",
			Help: "Subscription keys marked degraded after terminal errors.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_subscription_events_dropped_total",
			Help: "Events dropped because a holder queue was full.",
		}),
		MessagesMerged: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_messages_merged_total",
			Help: "Authoritative messages merged into local streams.",
		}),
		OptimisticReplaced: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_optimistic_replaced_total",
			Help: "Pending messages replaced in place by their echo.",
		}),
		PatchesBuffered: f.NewGauge(prometheus.GaugeOpts{
			Name: "ripple_chat_patches_buffered",
			Help: "Out-of-order patches waiting for their base message.",
		}),
		OrderingViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_ordering_violations_total",
			Help: "Patch buffer overflows that forced a full refetch.",
		}),
		PendingTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_pending_timeouts_total",
			Help: "Pending messages that timed out waiting for an echo.",
		}),
		SendsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_sends_submitted_total",
			Help: "Optimistic sends accepted into a submission lane.",
		}),
		SendsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ripple_chat_sends_failed_total",
			Help: "Send failures by pipeline stage.",
		}, []string{"stage"}),
		SendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_send_retries_total",
			Help: "User-initiated retries of failed sends.",
		}),
		UnreadRecomputes: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_unread_recomputes_total",
			Help: "Unread state recomputations.",
		}),
		CursorWritesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "ripple_chat_cursor_writes_skipped_total",
			Help: "MarkRead calls skipped because the cursor would move backward.",
		}),
	}
}
