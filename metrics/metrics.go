// Package metrics holds the prometheus collectors of the client core.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/store"
)

var (
	storeWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "community_store_writes_total",
			Help: "Total number of writes issued to the realtime store.",
		},
		[]string{"op", "result"},
	)
	storeWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "community_store_write_duration_seconds",
			Help:    "Realtime store write latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "community_sessions_active",
			Help: "Number of signed in client sessions.",
		},
	)
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "community_actions_total",
			Help: "Total number of user actions dispatched.",
		},
		[]string{"action", "result"},
	)
	rendersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "community_renders_total",
			Help: "Total number of rendered views.",
		},
	)
	archivedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "community_archived_messages_total",
			Help: "Total number of messages written to the archive.",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(
		storeWritesTotal,
		storeWriteDuration,
		sessionsActive,
		actionsTotal,
		rendersTotal,
		archivedMessagesTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result labels the outcome of an action or a write.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, contract.ErrNotConfirmed):
		return "rejected"
	}
	var we *store.WriteError
	if errors.As(err, &we) {
		return "write_error"
	}
	return "error"
}

func ObserveWrite(op string, start time.Time, err error) {
	storeWritesTotal.WithLabelValues(op, Result(err)).Inc()
	storeWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func IncSessions() {
	sessionsActive.Inc()
}

func DecSessions() {
	sessionsActive.Dec()
}

func ObserveAction(action string, err error) {
	actionsTotal.WithLabelValues(action, Result(err)).Inc()
}

func IncRenders() {
	rendersTotal.Inc()
}

func AddArchived(sink string, n int) {
	archivedMessagesTotal.WithLabelValues(sink).Add(float64(n))
}
