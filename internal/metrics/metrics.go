// Package metrics exposes prometheus instrumentation for the bridge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	TuplesDispatched  prometheus.Counter
	DroppedOutOfRange prometheus.Counter
	PollRaces         prometheus.Counter
	PollSamples       prometheus.Counter
	TransportFailures prometheus.Counter
	FallbackAdoptions prometheus.Counter
	WatchdogDrops     prometheus.Counter
	WatchdogRecovers  prometheus.Counter
	TankLevel         *prometheus.GaugeVec
	TankConnected     *prometheus.GaugeVec
}

// New creates and registers the bridge metric set. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TuplesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankbridge_tuples_dispatched_total",
			Help: "Per-tank tuples handed to the repeater registry.",
		}),
		DroppedOutOfRange: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankbridge_dropped_out_of_range_total",
			Help: "Readings dropped because the tank index was outside the registry.",
		}),
		PollRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankbridge_poll_races_total",
			Help: "Poll samples discarded because the selector changed mid-read.",
		}),
		PollSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankbridge_poll_samples_total",
			Help: "Successful poll reads of the upstream tank service.",
		}),
		TransportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankbridge_transport_failures_total",
			Help: "Bus calls that failed while the upstream was resolved.",
		}),
		FallbackAdoptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankbridge_fallback_adoptions_total",
			Help: "Times a polled value was adopted because change signals never arrived.",
		}),
		WatchdogDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankbridge_watchdog_drops_total",
			Help: "Repeaters marked disconnected after missed updates.",
		}),
		WatchdogRecovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tankbridge_watchdog_recovers_total",
			Help: "Repeaters marked connected again after data resumed.",
		}),
		TankLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tankbridge_tank_level_percent",
			Help: "Last published level per tank.",
		}, []string{"tank"}),
		TankConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tankbridge_tank_connected",
			Help: "Liveness flag per tank (1 = updates flowing).",
		}, []string{"tank"}),
	}

	reg.MustRegister(
		m.TuplesDispatched,
		m.DroppedOutOfRange,
		m.PollRaces,
		m.PollSamples,
		m.TransportFailures,
		m.FallbackAdoptions,
		m.WatchdogDrops,
		m.WatchdogRecovers,
		m.TankLevel,
		m.TankConnected,
	)
	return m
}
