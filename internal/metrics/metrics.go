package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autologout",
			Subsystem: "orchestrator",
			Name:      "operations_total",
			Help:      "Number of successful orchestrator operations.",
		}, []string{"operation"},
	)
	operationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autologout",
			Subsystem: "orchestrator",
			Name:      "operation_errors_total",
			Help:      "Number of failed orchestrator operations by error kind.",
		}, []string{"operation", "kind"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autologout",
			Subsystem: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of orchestrator operations including service manager calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"},
	)
	watcherStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autologout",
			Subsystem: "orchestrator",
			Name:      "watcher_status",
			Help:      "Last observed unit status per watcher (1 = current status).",
		}, []string{"watcher", "status"},
	)

	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autologout",
			Subsystem: "watcher",
			Name:      "polls_total",
			Help:      "Number of report poll cycles by result.",
		}, []string{"watcher", "result"},
	)
	logouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autologout",
			Subsystem: "watcher",
			Name:      "logouts_total",
			Help:      "Number of forced logout attempts by result.",
		}, []string{"watcher", "result"},
	)
	agentsObserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autologout",
			Subsystem: "watcher",
			Name:      "agents_observed",
			Help:      "Agents on the target session in the last report.",
		}, []string{"watcher"},
	)
	candidates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autologout",
			Subsystem: "watcher",
			Name:      "logout_candidates",
			Help:      "Agents over the threshold in the last report.",
		}, []string{"watcher"},
	)
	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autologout",
			Subsystem: "watcher",
			Name:      "poll_duration_seconds",
			Help:      "Time to fetch and parse one report.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"watcher"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		operations, operationErrors, operationDuration, watcherStatus,
		polls, logouts, agentsObserved, candidates, pollDuration,
		resourceCPU, resourceRSS, resourceThreads,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registry: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncOperation(op string) {
	if regOK.Load() {
		operations.WithLabelValues(op).Inc()
	}
}

func IncOperationError(op, kind string) {
	if regOK.Load() {
		operationErrors.WithLabelValues(op, kind).Inc()
	}
}

func ObserveOperation(op string, seconds float64) {
	if regOK.Load() {
		operationDuration.WithLabelValues(op).Observe(seconds)
	}
}

var knownStatuses = []string{"active", "inactive", "failed"}

// SetWatcherStatus marks status as the current one for watcher and clears the others.
func SetWatcherStatus(watcher, status string) {
	if !regOK.Load() {
		return
	}
	for _, s := range knownStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		watcherStatus.WithLabelValues(watcher, s).Set(v)
	}
}

// ForgetWatcher drops every per-watcher series, used after delete.
func ForgetWatcher(watcher string) {
	if regOK.Load() {
		watcherStatus.DeletePartialMatch(prometheus.Labels{"watcher": watcher})
	}
}

func IncPoll(watcher string, ok bool) {
	if regOK.Load() {
		polls.WithLabelValues(watcher, result(ok)).Inc()
	}
}

func IncLogout(watcher string, ok bool) {
	if regOK.Load() {
		logouts.WithLabelValues(watcher, result(ok)).Inc()
	}
}

func SetObserved(watcher string, agents, overThreshold int) {
	if regOK.Load() {
		agentsObserved.WithLabelValues(watcher).Set(float64(agents))
		candidates.WithLabelValues(watcher).Set(float64(overThreshold))
	}
}

func ObservePoll(watcher string, seconds float64) {
	if regOK.Load() {
		pollDuration.WithLabelValues(watcher).Observe(seconds)
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
