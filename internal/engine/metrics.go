package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/agentgw/internal/resilience"
)

type Metrics struct {
	// Latency: сколько времени заняла обработка (включая инструменты)
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во запросов
	TotalRequests *prometheus.CounterVec

	// Errors: отказы по машиночитаемому коду
	DenialsTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Повторы вызовов инструментов
	RetryAttempts *prometheus.CounterVec

	// Журнал решений: заполненность буфера (backpressure)
	DecisionBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgw_request_duration_seconds",
			Help:    "Histogram of proxy request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_requests_total",
			Help: "Total number of proxied requests.",
		}, []string{"tool", "action"}),

		DenialsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_denials_total",
			Help: "Total number of denied requests by reason code.",
		}, []string{"code"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentgw_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"tool"}),

		RetryAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentgw_retry_attempts_total",
			Help: "Total number of tool call retries.",
		}, []string{"tool", "action"}),

		DecisionBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentgw_decision_log_buffer_utilization",
			Help: "Current number of decisions waiting in the log buffer.",
		}),
	}
}

// ObserveBreaker: колбэк для resilience.WithStateChange.
func (m *Metrics) ObserveBreaker(tool string, _, to resilience.State) {
	var v float64
	switch to {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(tool).Set(v)
}

// ObserveRetry: колбэк для resilience.NewRetryPolicy.
func (m *Metrics) ObserveRetry(tool, action string, _ uint, _ error) {
	m.RetryAttempts.WithLabelValues(tool, action).Inc()
}
