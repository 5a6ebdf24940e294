package risk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики риск-движка
// ============================================================

// StopTriggersTotal - количество сработавших стоп-лоссов
var StopTriggersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "stops",
		Name:      "triggers_total",
		Help:      "Total number of triggered stop-losses by side",
	},
	[]string{"side"},
)

// StopExecutionFailures - количество неудачных исполнений защитных ордеров
var StopExecutionFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "stops",
		Name:      "execution_failures_total",
		Help:      "Total number of failed protective order executions",
	},
)

// StopRatchetsTotal - количество подтяжек трейлинг-стопов
var StopRatchetsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "stops",
		Name:      "ratchets_total",
		Help:      "Total number of trailing stop ratchet moves",
	},
)

// ActiveStops - текущее количество отслеживаемых стопов
var ActiveStops = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "stops",
		Name:      "active",
		Help:      "Number of currently monitored stop-losses",
	},
)

// CorrelationRecomputeDuration - длительность полного пересчёта корреляций
var CorrelationRecomputeDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "correlation",
		Name:      "recompute_duration_ms",
		Help:      "Duration of a full correlation cache recompute in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
)

// RiskEventsTotal - количество риск-событий по уровням
var RiskEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "events",
		Name:      "total",
		Help:      "Total number of emitted risk events by level",
	},
	[]string{"level"},
)
