// Package metrics provides Prometheus collectors for mailbox sessions and
// message parsing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailfetch"

var (
	// ConnectAttemptsTotal counts connection attempts by protocol and result.
	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "connect_attempts_total",
			Help:      "Total number of mailbox connection attempts by protocol and result",
		},
		[]string{"proto", "result"},
	)

	// ConnectionErrorsTotal counts classified connection errors.
	ConnectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "connection_errors_total",
			Help:      "Total number of mailbox connection errors by category",
		},
		[]string{"category"},
	)

	// ConnectDuration measures a single dial and authentication attempt.
	ConnectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "connect_duration_seconds",
			Help:      "Time spent on a single mailbox connection attempt",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"proto"},
	)
)

var (
	// MessagesRetrievedTotal counts successfully retrieved and parsed messages.
	MessagesRetrievedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_retrieved_total",
			Help:      "Total number of retrieved messages by account",
		},
		[]string{"account"},
	)

	// MessageFailuresTotal counts messages skipped due to retrieval failures.
	MessageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "message_failures_total",
			Help:      "Total number of messages skipped because of retrieval failures by account",
		},
		[]string{"account"},
	)

	// SessionReconnectsTotal counts reconnects performed during batch retrieval.
	SessionReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Total number of session reconnects by account and result",
		},
		[]string{"account", "result"},
	)
)

// ParsePathTotal counts parsed messages by the parsing path that produced them.
var ParsePathTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "format",
		Name:      "parse_path_total",
		Help:      "Total number of parsed messages by parsing path",
	},
	[]string{"path"},
)

// Handler returns HTTP handler exposing registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
