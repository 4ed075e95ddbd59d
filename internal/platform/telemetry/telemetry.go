// Package telemetry exposes Prometheus metrics for the follow-up server:
// HTTP request metrics, treatment lifecycle counters and the SLA gauges
// refreshed by the sweeper.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "followup"

// TelemetryConfig holds the configuration of the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// MetricsEnabled nil means enabled.
	MetricsEnabled *bool
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "followup-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// TelemetryProvider owns a private Prometheus registry and every collector
// the server exports.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	treatmentsCreated   prometheus.Counter
	treatmentsDeleted   prometheus.Counter
	stagesCompleted     *prometheus.CounterVec
	stageMutations      *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	versionConflicts    *prometheus.CounterVec
	activeStages        *prometheus.GaugeVec
	dueToday            prometheus.Gauge
	lastSweep           prometheus.Gauge
}

func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served.",
		}),
		treatmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "treatments_created_total",
			Help:      "Treatments created.",
		}),
		treatmentsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "treatments_deleted_total",
			Help:      "Treatments deleted.",
		}),
		stagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_completed_total",
			Help:      "Protocol stages completed, by SLA class at completion.",
		}, []string{"sla"}),
		stageMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_mutations_total",
			Help:      "Persisted stage mutations by intent.",
		}, []string{"intent"}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Store failures by operation.",
		}, []string{"operation"}),
		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Optimistic concurrency conflicts by operation.",
		}, []string{"operation"}),
		activeStages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stages",
			Help:      "Active stages of active treatments by SLA class.",
		}, []string{"sla"}),
		dueToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_stages_due_today",
			Help:      "Active stages due today in the clinic time zone.",
		}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sla_last_sweep_timestamp_seconds",
			Help:      "Unix time of the last SLA sweep.",
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Service build information.",
		ConstLabels: prometheus.Labels{
			"service":     cfg.ServiceName,
			"version":     cfg.ServiceVersion,
			"environment": cfg.Environment,
		},
	})
	buildInfo.Set(1)

	tp.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		tp.requestDuration,
		tp.activeRequests,
		tp.treatmentsCreated,
		tp.treatmentsDeleted,
		tp.stagesCompleted,
		tp.stageMutations,
		tp.persistenceFailures,
		tp.versionConflicts,
		tp.activeStages,
		tp.dueToday,
		tp.lastSweep,
	)
	return tp
}

// Registry exposes the registry for tests and extra collectors.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

// ---------------------------------------------------------------------------
// Domain recorders
// ---------------------------------------------------------------------------

func (tp *TelemetryProvider) TreatmentCreated() { tp.treatmentsCreated.Inc() }

func (tp *TelemetryProvider) TreatmentDeleted() { tp.treatmentsDeleted.Inc() }

func (tp *TelemetryProvider) StageCompleted(sla string) { tp.stagesCompleted.WithLabelValues(sla).Inc() }

func (tp *TelemetryProvider) StageMutated(intent string) { tp.stageMutations.WithLabelValues(intent).Inc() }

func (tp *TelemetryProvider) PersistenceFailure(operation string) {
	tp.persistenceFailures.WithLabelValues(operation).Inc()
}

func (tp *TelemetryProvider) VersionConflict(operation string) {
	tp.versionConflicts.WithLabelValues(operation).Inc()
}

// SetActiveStages replaces the SLA gauges. Classes missing from counts are
// reset to zero.
func (tp *TelemetryProvider) SetActiveStages(counts map[string]int, dueToday int, at time.Time) {
	tp.activeStages.Reset()
	for sla, n := range counts {
		tp.activeStages.WithLabelValues(sla).Set(float64(n))
	}
	tp.dueToday.Set(float64(dueToday))
	tp.lastSweep.Set(float64(at.Unix()))
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware records latency per route and the in-flight gauge.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.activeRequests.Inc()
			defer tp.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			tp.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	if !tp.cfg.metricsOn() {
		return func(c echo.Context) error {
			return c.NoContent(http.StatusNotFound)
		}
	}
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{
		Registry: tp.registry,
	}))
}
