package rpcstats

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is the one concrete Recorder this module ships: RPC
// duration as a histogram labeled by method and outcome, plus an
// in-flight gauge per method.
type Prometheus struct {
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewPrometheus registers its collectors against reg and returns a ready
// Recorder. Passing prometheus.DefaultRegisterer is the common case.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openfam",
			Subsystem: "metadata",
			Name:      "rpc_duration_seconds",
			Help:      "Metadata service RPC handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "error_code"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "openfam",
			Subsystem: "metadata",
			Name:      "rpc_in_flight",
			Help:      "Metadata service RPCs currently being handled.",
		}, []string{"method"}),
	}
	reg.MustRegister(p.duration, p.inFlight)
	return p
}

func (p *Prometheus) ObserveRPC(method string, duration time.Duration, errorCode int) {
	p.duration.WithLabelValues(method, strconv.Itoa(errorCode)).Observe(duration.Seconds())
}

func (p *Prometheus) IncInFlight(method string) { p.inFlight.WithLabelValues(method).Inc() }
func (p *Prometheus) DecInFlight(method string) { p.inFlight.WithLabelValues(method).Dec() }
