// Package metrics provides internal instrumentation for task invocations.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the task and provider metric families.
type Collector struct {
	attemptsTotal   *prometheus.CounterVec
	successTotal    *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	invokeDuration  *prometheus.HistogramVec
	tokensUsedTotal *prometheus.CounterVec
}

// NewCollector creates a collector registered on reg. A nil reg uses the
// default registerer; tests pass their own registry so collectors stay
// independent.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_attempts_total",
				Help:      "Total task attempts, including retries",
			},
			[]string{"task", "provider"},
		),
		successTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_success_total",
				Help:      "Task invocations that returned a typed success",
			},
			[]string{"task", "provider"},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_failures_total",
				Help:      "Task invocations that exhausted their retry budget",
			},
			[]string{"task", "provider", "reason"},
		),
		invokeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_invoke_duration_seconds",
				Help:      "Provider invoke latency",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"provider"},
		),
		tokensUsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_used_total",
				Help:      "Tokens reported by provider usage metadata",
			},
			[]string{"task", "provider", "kind"},
		),
	}
}

// Attempt records one provider attempt.
func (c *Collector) Attempt(task, provider string) {
	c.attemptsTotal.WithLabelValues(task, provider).Inc()
}

// Success records a successful invocation.
func (c *Collector) Success(task, provider string) {
	c.successTotal.WithLabelValues(task, provider).Inc()
}

// Failure records a final failure by reason.
func (c *Collector) Failure(task, provider, reason string) {
	c.failuresTotal.WithLabelValues(task, provider, reason).Inc()
}

// InvokeDuration records provider latency.
func (c *Collector) InvokeDuration(provider string, d time.Duration) {
	c.invokeDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// Tokens records usage metadata when the provider reported any.
func (c *Collector) Tokens(task, provider string, prompt, completion int) {
	if prompt > 0 {
		c.tokensUsedTotal.WithLabelValues(task, provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.tokensUsedTotal.WithLabelValues(task, provider, "completion").Add(float64(completion))
	}
}
