package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/voiceops/outdial/pkg/logger"
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
    pm.counters["pool_leases"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "pool_leases_total",
            Help: "Total caller-ID leases granted",
        },
        []string{"account"},
    )

    pm.counters["pool_lease_failures"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "pool_lease_failures_total",
            Help: "Total lease requests that found no eligible unit",
        },
        []string{"reason"},
    )

    pm.counters["pool_releases"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "pool_releases_total",
            Help: "Total caller-ID releases",
        },
        []string{"reason"},
    )

    pm.counters["pool_force_releases"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "pool_force_releases_total",
            Help: "Total forced lease releases",
        },
        []string{"mode"},
    )

    pm.counters["ledger_debits"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ledger_debits_total",
            Help: "Total successful balance debits",
        },
        []string{"reason"},
    )

    pm.counters["ledger_debits_rejected"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ledger_debits_rejected_total",
            Help: "Total debits rejected for insufficient balance",
        },
        []string{"reason"},
    )

    pm.counters["ledger_credits"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ledger_credits_total",
            Help: "Total balance credits",
        },
        []string{"reason"},
    )

    pm.counters["lifecycle_events"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "lifecycle_events_total",
            Help: "Total provider events processed",
        },
        []string{"status"},
    )

    pm.counters["lifecycle_events_unknown"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "lifecycle_events_unknown_total",
            Help: "Total events dropped for unknown provider call ids",
        },
        []string{},
    )

    pm.counters["lifecycle_machine_answers"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "lifecycle_machine_answers_total",
            Help: "Total calls answered by machines",
        },
        []string{},
    )

    pm.counters["calls_finished"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "calls_finished_total",
            Help: "Total calls reaching a terminal status",
        },
        []string{"status"},
    )

    pm.counters["provider_calls_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "provider_calls_total",
            Help: "Total calls per upstream account",
        },
        []string{"account", "status"},
    )

    pm.counters["dialer_attempts"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dialer_attempts_total",
            Help: "Total dial attempts",
        },
        []string{"result"},
    )

    pm.counters["dialer_blacklist_skips"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "dialer_blacklist_skips_total",
            Help: "Total leases returned because the number was blacklisted",
        },
        []string{},
    )

    pm.counters["recovery_sweeps"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "recovery_sweeps_total",
            Help: "Total recovery sweeps",
        },
        []string{},
    )

    pm.counters["recovery_actions"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "recovery_actions_total",
            Help: "Total recovery repair actions",
        },
        []string{"action"},
    )

    // Histograms
    pm.histograms["call_duration_seconds"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "call_duration_seconds",
            Help:    "Talk time of completed calls in seconds",
            Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
        },
        []string{},
    )

    // Gauges
    pm.gauges["pool_units_total"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "pool_units_total",
            Help: "Caller-ID units in the pool",
        },
        []string{},
    )

    pm.gauges["pool_units_available"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "pool_units_available",
            Help: "Caller-ID units available for lease",
        },
        []string{},
    )

    pm.gauges["pool_units_leased"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "pool_units_leased",
            Help: "Caller-ID units currently leased",
        },
        []string{},
    )

    pm.gauges["pool_units_stale"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "pool_units_stale",
            Help: "Leased units whose safety window has passed",
        },
        []string{},
    )

    pm.gauges["provider_active_calls"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "provider_active_calls",
            Help: "Active calls per upstream account",
        },
        []string{"account"},
    )

    // Register all metrics
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
