package exchange

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

var (
    metricRequestMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "exchange_request_duration_ms",
        Help:    "Latency of remote exchange calls",
        Buckets: prometheus.ExponentialBuckets(20, 1.8, 12),
    }, []string{"op"})

    metricErrors = promauto.NewCounterVec(prometheus.CounterOpts{
        Name: "exchange_errors_total",
        Help: "Failed remote exchange calls",
    }, []string{"op"})
)
