package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_sent_total",
			Help: "Messages written, by delivery path.",
		},
		[]string{"path"},
	)
	gateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_gate_decisions_total",
			Help: "Relationship gate outcomes.",
		},
		[]string{"allowed", "reason"},
	)
	requestTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_request_transitions_total",
			Help: "Message request state transitions that took effect.",
		},
		[]string{"to"},
	)
	notifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_notifications_total",
			Help: "Notification dispatch attempts by outcome.",
		},
		[]string{"type", "outcome"},
	)
	liveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_live_subscriptions",
			Help: "Open live view subscriptions by scope.",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		messagesSentTotal,
		gateDecisionsTotal,
		requestTransitionsTotal,
		notifyTotal,
		liveSubscriptions,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// IncMessageSent counts a stored message. path is "direct", "request",
// "group" or "system".
func IncMessageSent(path string) {
	messagesSentTotal.WithLabelValues(path).Inc()
}

func IncGateDecision(allowed bool, reason string) {
	gateDecisionsTotal.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

func IncRequestTransition(to string) {
	requestTransitionsTotal.WithLabelValues(to).Inc()
}

func IncNotifySent(eventType string) {
	notifyTotal.WithLabelValues(eventType, "sent").Inc()
}

func IncNotifyFailure(eventType string) {
	notifyTotal.WithLabelValues(eventType, "failed").Inc()
}

func IncLiveSubscriptions(scope string) {
	liveSubscriptions.WithLabelValues(scope).Inc()
}

func DecLiveSubscriptions(scope string) {
	liveSubscriptions.WithLabelValues(scope).Dec()
}
