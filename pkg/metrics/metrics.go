// Package metrics exposes the Prometheus counters and gauges Concent's two
// services update as they run. It does not start an HTTP listener itself;
// cmd/ wires the registry into its own server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Relay holds the MiddleMan relay's instrumentation.
type Relay struct {
	ActiveConnections prometheus.Gauge
	FramesRelayed     *prometheus.CounterVec
	FramesRejected    *prometheus.CounterVec
	TrackerSize       prometheus.Gauge
	MessagesDiscarded prometheus.Counter
}

// NewRelay registers and returns the relay's metrics on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	r := &Relay{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concent",
			Subsystem: "middleman",
			Name:      "active_connections",
			Help:      "Number of front-end connections currently registered in the queue pool.",
		}),
		FramesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "middleman",
			Name:      "frames_relayed_total",
			Help:      "Frames successfully relayed, by direction.",
		}, []string{"direction"}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "middleman",
			Name:      "frames_rejected_total",
			Help:      "Frames rejected at decode time, by error code.",
		}, []string{"code"}),
		TrackerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concent",
			Subsystem: "middleman",
			Name:      "tracker_size",
			Help:      "Number of in-flight requests awaiting a Signing Service answer.",
		}),
		MessagesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "middleman",
			Name:      "messages_discarded_total",
			Help:      "Tracker entries dropped as abandoned by the lost-message discard rule.",
		}),
	}
	reg.MustRegister(r.ActiveConnections, r.FramesRelayed, r.FramesRejected, r.TrackerSize, r.MessagesDiscarded)
	return r
}

// Bankster holds Bankster's instrumentation.
type Bankster struct {
	ClaimsCreated  *prometheus.CounterVec
	ClaimsDeleted  *prometheus.CounterVec
	ClaimsRejected *prometheus.CounterVec
	OracleCalls    *prometheus.CounterVec
}

// NewBankster registers and returns Bankster's metrics on reg.
func NewBankster(reg prometheus.Registerer) *Bankster {
	b := &Bankster{
		ClaimsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "bankster",
			Name:      "claims_created_total",
			Help:      "Deposit claims created, by use case.",
		}, []string{"use_case"}),
		ClaimsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "bankster",
			Name:      "claims_deleted_total",
			Help:      "Deposit claims deleted, by reason.",
		}, []string{"reason"}),
		ClaimsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "bankster",
			Name:      "claims_rejected_total",
			Help:      "claim_deposit calls that returned no claim, by use case.",
		}, []string{"use_case"}),
		OracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concent",
			Subsystem: "bankster",
			Name:      "oracle_calls_total",
			Help:      "Oracle calls issued, by method.",
		}, []string{"method"}),
	}
	reg.MustRegister(b.ClaimsCreated, b.ClaimsDeleted, b.ClaimsRejected, b.OracleCalls)
	return b
}
