package observability

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Decision outcomes.
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
	OutcomeError = "error"
)

type authMetrics struct {
	decisions *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	prunes    *prometheus.CounterVec

	otelDecisions metric.Int64Counter
}

var (
	authMetricsOnce sync.Once
	authRegistry    *authMetrics
)

// Auth returns the lazily-initialised metrics for router authentication
// decisions. Counters are registered with the default Prometheus registry and
// mirrored to the global OpenTelemetry meter.
func Auth() *authMetrics {
	authMetricsOnce.Do(func() {
		authRegistry = &authMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vouchergate",
				Subsystem: "auth",
				Name:      "decisions_total",
				Help:      "Router authentication decisions segmented by outcome and reason.",
			}, []string{"outcome", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vouchergate",
				Subsystem: "auth",
				Name:      "decision_duration_seconds",
				Help:      "Time spent validating a router authentication request.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			prunes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vouchergate",
				Subsystem: "maintenance",
				Name:      "pruned_total",
				Help:      "Rows removed by background maintenance segmented by table.",
			}, []string{"table"}),
		}
		prometheus.MustRegister(authRegistry.decisions, authRegistry.latency, authRegistry.prunes)

		counter, err := otel.Meter("vouchergate").Int64Counter(
			"vouchergate.auth.decisions",
			metric.WithDescription("Router authentication decisions."),
		)
		if err == nil {
			authRegistry.otelDecisions = counter
		}
	})
	return authRegistry
}

// ObserveDecision records a decision. reason is the stable reason string
// ("ok" on accept).
func (m *authMetrics) ObserveDecision(ctx context.Context, outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome = normalizeLabel(outcome)
	reason = normalizeLabel(reason)
	m.decisions.WithLabelValues(outcome, reason).Inc()
	m.latency.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if m.otelDecisions != nil {
		m.otelDecisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("reason", reason),
		))
	}
}

// RecordPrune counts rows removed from table.
func (m *authMetrics) RecordPrune(table string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.prunes.WithLabelValues(normalizeLabel(table)).Add(float64(rows))
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
