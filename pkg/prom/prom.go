package prom

import "github.com/prometheus/client_golang/prometheus"

const namespace = "kromosynth"

var (
	// Dispatches counts settled dispatch calls by task kind and outcome
	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Dispatched tasks by kind and outcome",
	}, []string{"kind", "outcome"})

	// DispatchDuration observes the time from dispatch to settlement
	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time from dispatch to result or failure",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	// WorkersRunning is the number of live worker processes of this controller
	WorkersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_running",
		Help:      "Worker processes currently alive",
	})

	// InstanceRestarts counts service instance replacements by pool and reason
	InstanceRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instance_restarts_total",
		Help:      "Service instance restarts by pool and reason",
	}, []string{"pool", "reason"})

	// InstanceState is the lifecycle state of every pool slot, see pool.State
	InstanceState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instance_state",
		Help:      "Lifecycle state of a pool slot",
	}, []string{"pool", "slot"})

	// InstanceMemory is the last sampled resident memory of every pool slot
	InstanceMemory = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instance_resident_bytes",
		Help:      "Last sampled resident memory of a pool slot",
	}, []string{"pool", "slot"})

	// RPCRequests counts handled rpc calls by method and status code
	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Genome rpc requests by method and code",
	}, []string{"method", "code"})
)

// run before route define, now at root.go
func init() {
	_ = prometheus.Register(Dispatches)
	_ = prometheus.Register(DispatchDuration)
	_ = prometheus.Register(WorkersRunning)
	_ = prometheus.Register(InstanceRestarts)
	_ = prometheus.Register(InstanceState)
	_ = prometheus.Register(InstanceMemory)
	_ = prometheus.Register(RPCRequests)
}
