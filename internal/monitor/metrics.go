package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/logger"
)

var (
	// RecoveriesTotal counts accepted recovery episodes, partitioned by device and reason.
	RecoveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_recoveries_total",
		Help: "Total number of recovery episodes",
	}, []string{"device", "reason"})
	// RecoveryDuration tracks the time from crash acceptance to the device being operational again.
	RecoveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vigil_recovery_duration_seconds",
		Help:    "Time taken for a recovery episode",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"device", "outcome"})
	// EventsTotal counts handled lifecycle events by kind and result.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_events_total",
		Help: "Total number of lifecycle events handled",
	}, []string{"device", "kind", "result"})
	// QueueDepth is the number of events waiting per device.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigil_queue_depth",
		Help: "Events waiting in a device queue",
	}, []string{"device"})
	// PowerState exposes the bus power state as its index in consts.PowerStates.
	PowerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigil_power_state",
		Help: "Bus power state index (0=OFF ... 7=DUMP_COLLECTED)",
	}, []string{"device"})
	// DumpCollections counts crash dump attempts by outcome.
	DumpCollections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_dump_collections_total",
		Help: "Crash dump collections by outcome",
	}, []string{"device", "outcome"})
	// HelperRestarts counts restarts of the supervised helper daemon.
	HelperRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_helper_restarts_total",
		Help: "Total number of helper daemon restarts",
	}, []string{"reason"})
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(RecoveriesTotal, RecoveryDuration, EventsTotal, QueueDepth, PowerState, DumpCollections, HelperRestarts)
	})
}

// InitMetrics registers Prometheus metrics and starts an HTTP server to expose them.
// It takes an address string (e.g., ":9090") on which to listen for requests.
func InitMetrics(addr string) {
	Register()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
}

// SetPowerState records the power state of a device.
func SetPowerState(device string, s consts.PowerState) {
	for i, known := range consts.PowerStates {
		if known == s {
			PowerState.WithLabelValues(device).Set(float64(i))
			return
		}
	}
}

// Forget drops every series of a detached device.
func Forget(device string) {
	labels := prometheus.Labels{"device": device}
	RecoveriesTotal.DeletePartialMatch(labels)
	RecoveryDuration.DeletePartialMatch(labels)
	EventsTotal.DeletePartialMatch(labels)
	QueueDepth.DeletePartialMatch(labels)
	PowerState.DeletePartialMatch(labels)
	DumpCollections.DeletePartialMatch(labels)
}

// Personal.AI order the ending
