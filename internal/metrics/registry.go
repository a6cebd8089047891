package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the service collectors. All methods are safe on a nil receiver.
type Registry struct {
	reg              *prometheus.Registry
	received         *prometheus.CounterVec
	accepted         *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	ingestErrors     *prometheus.CounterVec
	devices          *prometheus.GaugeVec
	analysisDuration *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "fieldsense", Subsystem: "events", Name: "received_total", Help: "Candidate events received by source."},
			[]string{"source"},
		),
		accepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "fieldsense", Subsystem: "events", Name: "accepted_total", Help: "Canonical events appended by kind."},
			[]string{"kind"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "fieldsense", Subsystem: "events", Name: "duplicate_total", Help: "Duplicate deliveries by detection reason."},
			[]string{"reason"},
		),
		ingestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "fieldsense", Name: "ingest_errors_total", Help: "Candidates rejected or failed by source."},
			[]string{"source"},
		),
		devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "fieldsense", Name: "devices", Help: "Known devices by liveness status."},
			[]string{"status"},
		),
		analysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: "fieldsense", Subsystem: "analysis", Name: "duration_seconds", Help: "Analysis run time by kind.", Buckets: prometheus.DefBuckets},
			[]string{"kind"},
		),
	}
	r.reg.MustRegister(r.received, r.accepted, r.duplicates, r.ingestErrors, r.devices, r.analysisDuration)
	return r
}

func (r *Registry) Received(source string) {
	if r == nil {
		return
	}
	r.received.WithLabelValues(labelOr(source, "unknown")).Inc()
}

func (r *Registry) Accepted(kind string) {
	if r == nil {
		return
	}
	r.accepted.WithLabelValues(kind).Inc()
}

func (r *Registry) Duplicate(reason string) {
	if r == nil {
		return
	}
	r.duplicates.WithLabelValues(reason).Inc()
}

func (r *Registry) IngestError(source string) {
	if r == nil {
		return
	}
	r.ingestErrors.WithLabelValues(labelOr(source, "unknown")).Inc()
}

func (r *Registry) SetDevices(online, offline int) {
	if r == nil {
		return
	}
	r.devices.WithLabelValues("online").Set(float64(online))
	r.devices.WithLabelValues("offline").Set(float64(offline))
}

func (r *Registry) ObserveAnalysis(kind string, d time.Duration) {
	if r == nil {
		return
	}
	r.analysisDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
