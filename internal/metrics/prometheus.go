package metrics

import (
    "fmt"
    "net/http"

    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["call_admitted_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "engine_calls_admitted_total",
            Help: "Total number of admitted calls",
        },
        []string{},
    )

    pm.counters["call_rejected_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "engine_calls_rejected_total",
            Help: "Total number of rejected calls by cause code",
        },
        []string{"cause"},
    )

    pm.counters["call_rejected_cached_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "engine_calls_rejected_cached_total",
            Help: "Rejections answered from the negative cache",
        },
        []string{},
    )

    pm.counters["system_hangup_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "engine_system_hangups_total",
            Help: "Calls torn down by the engine",
        },
        []string{"reason"},
    )

    pm.counters["signaling_connections_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "signaling_connections_total",
            Help: "Total signaling connections accepted",
        },
        []string{},
    )

    pm.counters["signaling_connections_rejected"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "signaling_connections_rejected_total",
            Help: "Signaling connections refused",
        },
        []string{"reason"},
    )

    // Histograms
    pm.histograms["admission_duration_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "engine_admission_duration_seconds",
            Help:    "Admission pipeline processing time",
            Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
        },
        []string{},
    )

    pm.histograms["signaling_processing_time"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "signaling_processing_time_seconds",
            Help:    "Signaling event processing time",
            Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
        },
        []string{"event"},
    )

    pm.histograms["signaling_session_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "signaling_session_duration_seconds",
            Help:    "Signaling session lifetime",
            Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
        },
        []string{},
    )

    // Gauges
    pm.gauges["active_calls"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "engine_active_calls",
            Help: "Current number of registered calls",
        },
        []string{},
    )

    pm.gauges["slot_capacity"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "engine_slot_capacity",
            Help: "Configured call slot capacity",
        },
        []string{},
    )

    pm.gauges["signaling_connections_active"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "signaling_connections_active",
            Help: "Current active signaling connections",
        },
        []string{},
    )

    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("Metrics server started")
    return http.ListenAndServe(addr, nil)
}
