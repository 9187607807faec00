package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the data plane updates, registered
// against a private registry so tests can create independent instances
// instead of colliding on the global default registry (its own
// prometheus.Registry rather than using prometheus.MustRegister globally).
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal         *prometheus.CounterVec // labels: vr
	AnswersTotal          *prometheus.CounterVec // labels: vr, result_code
	TimeoutsTotal         *prometheus.CounterVec // labels: vr
	LateAnswersDiscarded  *prometheus.CounterVec // labels: vr
	TeardownDiscardsTotal *prometheus.CounterVec // labels: vr
	PeerStateGauge        *prometheus.GaugeVec   // labels: peer_host; 1=Open else 0
	OutstandingTxnsGauge  *prometheus.GaugeVec   // labels: vr
	ConfigSwapsTotal      prometheus.Counter
	ConfigRejectedTotal   prometheus.Counter
}

// NewMetrics builds and registers a fresh Metrics bundle.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_requests_total",
			Help: "Diameter requests received by Frontline.",
		}, []string{"vr"}),
		AnswersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_answers_total",
			Help: "Diameter answers forwarded by Frontline, by result code.",
		}, []string{"vr", "result_code"}),
		TimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_timeouts_total",
			Help: "Transactions that expired with a synthesized 3002 answer.",
		}, []string{"vr"}),
		LateAnswersDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_late_answers_discarded_total",
			Help: "Answers received after their transaction had already timed out.",
		}, []string{"vr"}),
		TeardownDiscardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_teardown_discards_total",
			Help: "Transactions silently dropped on downstream connection teardown.",
		}, []string{"vr"}),
		PeerStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_peer_open",
			Help: "1 if the peer FSM is in the Open state, 0 otherwise.",
		}, []string{"peer_host"}),
		OutstandingTxnsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_outstanding_transactions",
			Help: "Transactions currently awaiting an answer or timeout.",
		}, []string{"vr"}),
		ConfigSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsc_config_swaps_total",
			Help: "Configuration snapshots successfully installed.",
		}),
		ConfigRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dsc_config_rejected_total",
			Help: "Configuration pushes rejected by validation.",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.AnswersTotal, m.TimeoutsTotal, m.LateAnswersDiscarded,
		m.TeardownDiscardsTotal, m.PeerStateGauge, m.OutstandingTxnsGauge,
		m.ConfigSwapsTotal, m.ConfigRejectedTotal,
	)
	return m
}
