// Package metrics exposes the counters and gauges this system reports over
// its monitoring HTTP listener.
//
// The teacher's own code references an internal/expvarom package for
// expvar-backed metrics, but that package was never retrieved alongside the
// rest of the codebase. In its place this package is built directly on
// github.com/prometheus/client_golang/prometheus, grounded on the
// perfmetrics/httpproxy usage in HouzuoGuo/laitos: gauge/counter vectors
// registered against the default registerer and served via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Commands counts LHLO/MAIL/RCPT/DATA/... commands processed, by verb.
var Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "lmtpd_commands_total",
	Help: "Number of commands processed, by verb.",
}, []string{"command"})

// Replies counts reply codes sent to the peer, by basic reply code.
var Replies = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "lmtpd_replies_total",
	Help: "Number of reply lines sent, by basic reply code.",
}, []string{"code"})

// ConcurrencyGate counts the outcome of each concurrency-broker decision.
var ConcurrencyGate = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "lmtpd_concurrency_gate_total",
	Help: "Concurrency broker LOOKUP outcomes, by result.",
}, []string{"result"}) // "accepted" | "rejected" | "error"

// SpoolPromotions counts how many DATA payloads spilled to disk.
var SpoolPromotions = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "lmtpd_spool_promotions_total",
	Help: "Number of DATA payloads promoted from memory to a spill file.",
})

// LocalDeliveries counts local delivery attempts, by outcome.
var LocalDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "lmtpd_local_deliveries_total",
	Help: "Local delivery attempts, by outcome.",
}, []string{"outcome"}) // "saved" | "tempfail" | "permfail" | "quota"

// OutboundDeliveries counts outbound proxy delivery attempts, by outcome.
var OutboundDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "lmtpd_outbound_deliveries_total",
	Help: "Outbound proxy delivery attempts, by outcome.",
}, []string{"outcome"}) // "success" | "tempfail" | "permfail"

// ActiveSessions tracks the number of currently open inbound sessions.
var ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "lmtpd_active_sessions",
	Help: "Number of currently open inbound sessions.",
})

func init() {
	prometheus.MustRegister(
		Commands,
		Replies,
		ConcurrencyGate,
		SpoolPromotions,
		LocalDeliveries,
		OutboundDeliveries,
		ActiveSessions,
	)
}

// Handler returns the HTTP handler that serves the registered metrics,
// ready to be mounted at e.g. "/metrics" on the monitoring server.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	)
}
