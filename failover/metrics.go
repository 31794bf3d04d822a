package failover

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	roundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "failover",
		Name:      "rounds_total",
		Help:      "Monitor rounds by the phase they ended in.",
	}, []string{"phase"})

	probeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "failover",
		Name:      "probe_failures_total",
		Help:      "Failed local health checks.",
	})

	quorumMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "failover",
		Name:      "quorum_misses_total",
		Help:      "Rounds past the failure threshold without a peer majority.",
	})

	electionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "failover",
		Name:      "elections_total",
		Help:      "Successful elections.",
	})

	promotionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "failover",
		Name:      "promotion_failures_total",
		Help:      "Elections whose promotion failed.",
	})

	masterStatusGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "failover",
		Name:      "master_status",
		Help:      "Failure code of the last local health check, 0 when healthy.",
	})

	failuresGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "failover",
		Name:      "consecutive_failures",
		Help:      "Consecutive failed local health checks.",
	})
)

func init() {
	prometheus.MustRegister(roundsTotal, probeFailuresTotal, quorumMissesTotal, electionsTotal, promotionFailuresTotal, masterStatusGauge, failuresGauge)
}
