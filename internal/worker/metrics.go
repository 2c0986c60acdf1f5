package worker

import "github.com/prometheus/client_golang/prometheus"

// buildOutcomes counts completed builds by terminal status (spec §7),
// the worker-side half of SPEC_FULL §6's metrics requirement — the
// HTTP façade cannot observe build outcomes directly since it runs in a
// separate process from the worker fleet that produces them.
var buildOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "asu_build_outcomes_total",
	Help: "Total number of completed builds, labeled by terminal status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(buildOutcomes)
}
