package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvpnd_session_state_transitions_total",
			Help: "Peer session state transitions.",
		},
		[]string{"from", "to"},
	)

	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dvpnd_sessions_active",
			Help: "Sessions currently in a given state.",
		},
		[]string{"state"},
	)

	AdjRIBSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dvpnd_adj_rib_size",
			Help: "Entries held in an Adj-RIB-In table, per neighbour.",
		},
		[]string{"neighbour"},
	)

	LocRIBSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dvpnd_loc_rib_size",
			Help: "Entries currently chosen in Loc-RIB.",
		},
	)

	CSPFRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dvpnd_cspf_run_duration_seconds",
			Help:    "Wall time of one CSPF computation.",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	CSPFReachableNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dvpnd_cspf_reachable_nodes",
			Help: "Destinations reachable in the most recent CSPF tree.",
		},
	)

	KeepalivesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvpnd_keepalives_sent_total",
			Help: "Keepalive records sent, per peer.",
		},
		[]string{"peer"},
	)

	RxTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvpnd_rx_timeouts_total",
			Help: "rx_timeout firings that drove a session to DEAD.",
		},
		[]string{"peer"},
	)

	HistoryWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dvpnd_history_write_duration_seconds",
			Help:    "LSA history audit write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	PublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dvpnd_publish_errors_total",
			Help: "Topology event publish failures.",
		},
		[]string{"topic"},
	)
)

func Register() {
	prometheus.MustRegister(
		SessionStateTransitionsTotal,
		SessionsActive,
		AdjRIBSize,
		LocRIBSize,
		CSPFRunDuration,
		CSPFReachableNodes,
		KeepalivesSentTotal,
		RxTimeoutsTotal,
		HistoryWriteDuration,
		PublishErrorsTotal,
	)
}
