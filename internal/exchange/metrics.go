package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики клиента биржи и потока цен
// ============================================================

// RequestsTotal - количество REST запросов по классам эндпоинтов и исходу
var RequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "exchange",
		Name:      "requests_total",
		Help:      "Total number of REST requests by endpoint class and outcome",
	},
	[]string{"class", "outcome"}, // outcome: ok, rejected, network_error
)

// RateLimitedTotal - количество локальных отказов admission check
var RateLimitedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "exchange",
		Name:      "rate_limited_total",
		Help:      "Total number of locally denied calls (sliding window quota)",
	},
	[]string{"class"},
)

// RequestLatency - латентность REST запросов
var RequestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "exchange",
		Name:      "request_latency_ms",
		Help:      "REST request latency in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 200, 500, 1000, 2000, 5000},
	},
	[]string{"class"},
)

// StreamReconnectsTotal - количество попыток переподключения стрима
var StreamReconnectsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Total number of price stream reconnect attempts",
	},
)

// StreamTicksTotal - количество обработанных тиков по символам
var StreamTicksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "stream",
		Name:      "ticks_total",
		Help:      "Total number of processed price ticks",
	},
	[]string{"symbol"},
)

// StreamUp - 1 если стрим подключён, 0 иначе
var StreamUp = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "stream",
		Name:      "connected",
		Help:      "Whether the price stream is currently connected",
	},
)
