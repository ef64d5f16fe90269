package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_regime_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	signalsAccepted   prometheus.Counter
	signalsBlocked    prometheus.Counter
	ordersPlaced      prometheus.Counter
	ordersFailed      prometheus.Counter
	protectionPlaced  prometheus.Counter
	latencyViolations prometheus.Counter
	emergencyFlattens prometheus.Counter
	flipViolations    prometheus.Counter
	escalations       prometheus.Counter
	watchdogTimeouts  prometheus.Counter
	reconcileFailures prometheus.Counter
}

func NewPrometheus() *Prometheus {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}

	signalsAccepted := counter("signals_accepted_total", "Total number of accepted entry intents.")
	signalsBlocked := counter("signals_blocked_total", "Total number of blocked decision ticks.")
	ordersPlaced := counter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := counter("orders_failed_total", "Total number of order placement failures.")
	protectionPlaced := counter("protection_placed_total", "Total number of TP/SL trigger pairs placed.")
	latencyViolations := counter("protection_latency_violations_total", "Positions that exceeded the protection grace period uncovered.")
	emergencyFlattens := counter("emergency_flattens_total", "Positions flattened because protection could not be attached.")
	flipViolations := counter("flip_ordering_violations_total", "Entries recorded at or before flat confirmation.")
	escalations := counter("escalations_raised_total", "Risk escalations raised to the operator.")
	watchdogTimeouts := counter("watchdog_timeouts_total", "WS stall watchdog timeouts.")
	reconcileFailures := counter("reconcile_failures_total", "Account reconciliation failures.")

	registry := prometheus.NewRegistry()
	registry.MustRegister(signalsAccepted, signalsBlocked, ordersPlaced, ordersFailed,
		protectionPlaced, latencyViolations, emergencyFlattens, flipViolations,
		escalations, watchdogTimeouts, reconcileFailures)

	m := &Metrics{
		SignalsAccepted:             promCounter{signalsAccepted},
		SignalsBlocked:              promCounter{signalsBlocked},
		OrdersPlaced:                promCounter{ordersPlaced},
		OrdersFailed:                promCounter{ordersFailed},
		ProtectionPlaced:            promCounter{protectionPlaced},
		ProtectionLatencyViolations: promCounter{latencyViolations},
		EmergencyFlattens:           promCounter{emergencyFlattens},
		FlipViolations:              promCounter{flipViolations},
		Escalations:                 promCounter{escalations},
		WatchdogTimeouts:            promCounter{watchdogTimeouts},
		ReconcileFailures:           promCounter{reconcileFailures},
	}

	return &Prometheus{
		Metrics:           m,
		registry:          registry,
		signalsAccepted:   signalsAccepted,
		signalsBlocked:    signalsBlocked,
		ordersPlaced:      ordersPlaced,
		ordersFailed:      ordersFailed,
		protectionPlaced:  protectionPlaced,
		latencyViolations: latencyViolations,
		emergencyFlattens: emergencyFlattens,
		flipViolations:    flipViolations,
		escalations:       escalations,
		watchdogTimeouts:  watchdogTimeouts,
		reconcileFailures: reconcileFailures,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
