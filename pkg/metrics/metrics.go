// Package metrics declares the agent's prometheus metrics, following
// pkg/network/node/metrics/metrics.go's shape of pre-declared collector
// variables plus a one-time registration call, adapted to raw
// client_golang/promhttp since this agent runs as its own process with
// its own registry rather than reporting into a kubelet's legacy one.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "ovn"
	Subsystem = "controller_agent"

	DesiredFlowsKey    = "desired_flows"
	InstalledFlowsKey  = "installed_flows"
	PutDurationKey     = "put_duration_seconds"
	FlowModErrorsKey   = "flow_mod_errors_total"
	CurCfgKey          = "cur_cfg"
	ConnectionStateKey = "connection_state"
)

var (
	DesiredFlows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      DesiredFlowsKey,
			Help:      "Number of desired flows currently tracked.",
		},
	)
	InstalledFlows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      InstalledFlowsKey,
			Help:      "Number of installed flows believed present on the switch.",
		},
	)
	PutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      PutDurationKey,
			Help:      "Time spent in one reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	FlowModErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      FlowModErrorsKey,
			Help:      "Cumulative number of flow/group/meter-mod errors reported by the switch.",
		},
	)
	CurCfg = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      CurCfgKey,
			Help:      "Highest upstream configuration generation fully materialized on the switch.",
		},
	)
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      ConnectionStateKey,
			Help:      "Current connection state, one series per state set to 1.",
		},
		[]string{"state"},
	)
)

var registerMetrics sync.Once

// Register registers every collector with the default registry. Safe to
// call more than once.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(DesiredFlows)
		prometheus.MustRegister(InstalledFlows)
		prometheus.MustRegister(PutDuration)
		prometheus.MustRegister(FlowModErrors)
		prometheus.MustRegister(CurCfg)
		prometheus.MustRegister(ConnectionState)
	})
}

// SetConnectionState zeroes every other state series and sets name to 1,
// so the current state is always the one nonzero series.
func SetConnectionState(name string, allStates []string) {
	for _, s := range allStates {
		ConnectionState.WithLabelValues(s).Set(0)
	}
	ConnectionState.WithLabelValues(name).Set(1)
}

// ObservePutDuration records one reconciliation pass's wall-clock time.
func ObservePutDuration(d time.Duration) {
	PutDuration.Observe(d.Seconds())
}
