// Package metrics exposes the orchestrator's Prometheus collectors. All
// collectors live on a private registry so tests can create as many as
// they like.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"novora/api/internal/cache"
	"novora/api/internal/privacy"
	"novora/api/internal/store"
	"novora/api/internal/summary"
)

const namespace = "novora"

type Metrics struct {
	registry *prometheus.Registry

	tokenAttempts   *prometheus.CounterVec
	nlpJobs         *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	suppressed      prometheus.Counter
	cacheReads      *prometheus.CounterVec
	schedulerEvents *prometheus.CounterVec
	refreshes       prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tokenAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "token_attempts_total",
			Help:      "Token validations and consumes by outcome.",
		}, []string{"outcome"}),
		nlpJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nlp",
			Name:      "jobs_total",
			Help:      "Comment NLP jobs by outcome.",
		}, []string{"outcome"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Invitation and reminder deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		suppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "privacy",
			Name:      "suppressed_total",
			Help:      "Aggregate reads suppressed by the min-n gate.",
		}),
		cacheReads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "View cache reads by view and outcome.",
		}, []string{"view", "outcome"}),
		schedulerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "events_total",
			Help:      "Plan fires, reminders and closes.",
		}, []string{"event"}),
		refreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "summary",
			Name:      "refreshes_total",
			Help:      "Summary refreshes written.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TokenOutcome(outcome string) {
	m.tokenAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) NLPOutcome(outcome string) {
	m.nlpJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DeliveryOutcome(channel store.Channel, outcome string) {
	m.deliveries.WithLabelValues(string(channel), outcome).Inc()
}

func (m *Metrics) Suppressed(privacy.Scope) {
	m.suppressed.Inc()
}

func (m *Metrics) CacheOutcome(view cache.View, outcome string) {
	m.cacheReads.WithLabelValues(string(view), outcome).Inc()
}

func (m *Metrics) SchedulerEvent(event string) {
	m.schedulerEvents.WithLabelValues(event).Inc()
}

// OnRefresh counts summary refreshes. It is a summary.Listener.
func (m *Metrics) OnRefresh(context.Context, summary.Refreshed) error {
	m.refreshes.Inc()
	return nil
}

func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
