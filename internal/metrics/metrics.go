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

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bedrockd",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		}, []string{"server"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bedrockd",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of intentional stops (graceful or kill).",
		}, []string{"server"},
	)
	serverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bedrockd",
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of unexpected server exits.",
		}, []string{"server"},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bedrockd",
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of automatic crash restarts.",
		}, []string{"server"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bedrockd",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Number of console commands delivered.",
		}, []string{"server"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bedrockd",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current state of servers (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
	serverCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bedrockd",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage for managed servers.",
		}, []string{"server"},
	)
	serverMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bedrockd",
			Subsystem: "server",
			Name:      "memory_mb",
			Help:      "Resident memory in MB for managed servers.",
		}, []string{"server"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops, serverCrashes, serverRestarts,
		commandsSent, currentStates, serverCPUPercent, serverMemoryMB,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register
// has been called.

func IncStart(server string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(server).Inc()
	}
}

func IncStop(server string) {
	if regOK.Load() {
		serverStops.WithLabelValues(server).Inc()
	}
}

func IncCrash(server string) {
	if regOK.Load() {
		serverCrashes.WithLabelValues(server).Inc()
	}
}

func IncRestart(server string) {
	if regOK.Load() {
		serverRestarts.WithLabelValues(server).Inc()
	}
}

func IncCommand(server string) {
	if regOK.Load() {
		commandsSent.WithLabelValues(server).Inc()
	}
}

func SetCurrentState(server, state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		currentStates.WithLabelValues(server, state).Set(v)
	}
}

func SetResourceUsage(server string, cpuPercent, memoryMB float64) {
	if regOK.Load() {
		serverCPUPercent.WithLabelValues(server).Set(cpuPercent)
		serverMemoryMB.WithLabelValues(server).Set(memoryMB)
	}
}
