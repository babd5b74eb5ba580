package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "etcd_session"

/*
Counters describing how hard the client had to work to keep its session alive.
*/
type Metrics struct {
	Retries         *prometheus.CounterVec
	Failovers       prometheus.Counter
	WatchReconnects prometheus.Counter
	ProtocolFaults  prometheus.Counter
	ActiveWatchers  prometheus.Gauge
	LeaseRenewals   *prometheus.CounterVec
	MemberRefreshes *prometheus.CounterVec
}

/*
Creates the client metrics and registers them if a registerer is given.
*/
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "request_retries_total",
			Help:      "Unary requests retried after a connectivity failure.",
		}, []string{"operation"}),
		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "failovers_total",
			Help:      "Times a new endpoint was selected after a failure.",
		}),
		WatchReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watch_reconnects_total",
			Help:      "Watch streams replaced after a failure.",
		}),
		ProtocolFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watch_protocol_faults_total",
			Help:      "Watch stream messages that could not be correlated with a watcher.",
		}),
		ActiveWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_watchers",
			Help:      "Watchers not yet canceled.",
		}),
		LeaseRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lease_renewals_total",
			Help:      "Lease keep alive attempts by result.",
		}, []string{"result"}),
		MemberRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "member_refreshes_total",
			Help:      "Member list refreshes by result.",
		}, []string{"result"}),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.Retries,
		m.Failovers,
		m.WatchReconnects,
		m.ProtocolFaults,
		m.ActiveWatchers,
		m.LeaseRenewals,
		m.MemberRefreshes,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}
