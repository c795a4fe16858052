package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RemoteCallsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "counter_remote_calls_total", Help: "Remote counter service calls by op and outcome"}, []string{"op", "outcome"})
	StoreAdjustSeconds   = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "counter_store_adjust_seconds", Help: "Store adjust latency by backend", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16)}, []string{"backend"})
	SyncTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "counter_sync_total", Help: "Session reconciliation attempts by strategy and outcome"}, []string{"strategy", "outcome"})
	ActiveSessions       = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "counter_active_sessions", Help: "Mounted reconciliation sessions"}, []string{"strategy"})
	IdempotentReplays    = promauto.NewCounter(prometheus.CounterOpts{Name: "counter_idempotent_replays_total", Help: "Adjust requests answered from the idempotency cache"})
	WatchSubscribers     = promauto.NewGauge(prometheus.GaugeOpts{Name: "counter_watch_subscribers", Help: "Open websocket watch connections"})
	RecordsCreatedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "counter_records_created_total", Help: "Records created"})
	ValidationErrorTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "counter_validation_errors_total", Help: "Requests rejected by input validation"})
)

// Outcome maps an error to the outcome label used across collectors.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
