package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "souk_chat"

var (
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open chat sockets.",
	})

	WSRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_rejected_total",
		Help:      "Chat sockets closed during the handshake, by reason.",
	}, []string{"reason"})

	MessagesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_accepted_total",
		Help:      "User turns accepted by POST /api/chat/, by delivery mode.",
	}, []string{"mode"})

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Reply jobs handled by the worker pool, by result.",
	}, []string{"result"})

	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time from dequeue to published reply.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register adds every relay collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(WSConnections, WSRejected, MessagesAccepted, JobsProcessed, JobDuration)
}
