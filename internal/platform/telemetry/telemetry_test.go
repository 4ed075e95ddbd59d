package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"
)

func findFamily(t *testing.T, tp *TelemetryProvider, name string) *dto.MetricFamily {
	t.Helper()
	families, err := tp.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestTelemetryConfig_Defaults(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})

	if tp.cfg.ServiceName != "followup-server" {
		t.Errorf("expected default service name, got %q", tp.cfg.ServiceName)
	}
	if tp.cfg.Environment != "development" {
		t.Errorf("expected default environment, got %q", tp.cfg.Environment)
	}
	if !tp.cfg.metricsOn() {
		t.Error("expected metrics enabled by default")
	}

	info := findFamily(t, tp, "followup_build_info")
	if info == nil {
		t.Fatal("expected build info gauge")
	}
	if got := labelValue(info.GetMetric()[0], "service"); got != "followup-server" {
		t.Errorf("expected service label, got %q", got)
	}
}

func TestDomainRecorders(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})

	tp.TreatmentCreated()
	tp.TreatmentCreated()
	tp.TreatmentDeleted()
	tp.StageCompleted("late")
	tp.StageMutated("checklist")
	tp.PersistenceFailure("update")
	tp.VersionConflict("update")

	created := findFamily(t, tp, "followup_treatments_created_total")
	if created == nil || created.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Errorf("expected 2 treatments created, got %v", created)
	}

	stages := findFamily(t, tp, "followup_stages_completed_total")
	if stages == nil || labelValue(stages.GetMetric()[0], "sla") != "late" {
		t.Errorf("expected sla label on stage completions, got %v", stages)
	}

	conflicts := findFamily(t, tp, "followup_version_conflicts_total")
	if conflicts == nil || conflicts.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("expected 1 version conflict, got %v", conflicts)
	}
}

func TestSetActiveStages_ReplacesPreviousValues(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tp.SetActiveStages(map[string]int{"ontime": 3, "late": 1}, 2, at)
	tp.SetActiveStages(map[string]int{"warning": 4}, 1, at)

	stages := findFamily(t, tp, "followup_active_stages")
	if stages == nil {
		t.Fatal("expected active stages gauge")
	}
	if len(stages.GetMetric()) != 1 {
		t.Fatalf("expected stale classes to be dropped, got %d series", len(stages.GetMetric()))
	}
	m := stages.GetMetric()[0]
	if labelValue(m, "sla") != "warning" || m.GetGauge().GetValue() != 4 {
		t.Errorf("unexpected series %v", m)
	}

	sweep := findFamily(t, tp, "followup_sla_last_sweep_timestamp_seconds")
	if sweep == nil || sweep.GetMetric()[0].GetGauge().GetValue() != float64(at.Unix()) {
		t.Errorf("unexpected sweep timestamp %v", sweep)
	}
}

func TestMetricsMiddleware_RecordsRoute(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{})
	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/api/v1/treatments/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "conflict")
	})

	for _, path := range []string{"/api/v1/treatments/a", "/api/v1/treatments/b", "/boom"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	family := findFamily(t, tp, "followup_http_request_duration_seconds")
	if family == nil {
		t.Fatal("expected request duration histogram")
	}

	counts := map[string]uint64{}
	for _, m := range family.GetMetric() {
		counts[labelValue(m, "route")+" "+labelValue(m, "status")] = m.GetHistogram().GetSampleCount()
	}
	if counts["/api/v1/treatments/:id 200"] != 2 {
		t.Errorf("expected 2 samples for the templated route, got %v", counts)
	}
	if counts["/boom 409"] != 1 {
		t.Errorf("expected error status from HTTPError, got %v", counts)
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{MetricsEnabled: BoolPtr(false)})
	e := echo.New()
	e.Use(tp.MetricsMiddleware())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/metrics", tp.PrometheusHandler())

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if f := findFamily(t, tp, "followup_http_request_duration_seconds"); f != nil {
		t.Errorf("expected no samples when disabled, got %v", f)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from disabled metrics endpoint, got %d", rec.Code)
	}
}

func TestPrometheusHandler(t *testing.T) {
	tp := NewTelemetryProvider(TelemetryConfig{ServiceVersion: "1.2.3"})
	tp.TreatmentCreated()

	e := echo.New()
	e.GET("/metrics", tp.PrometheusHandler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "followup_treatments_created_total 1") {
		t.Errorf("expected counter in exposition, got:\n%s", body)
	}
	if !strings.Contains(body, `version="1.2.3"`) {
		t.Error("expected build info labels in exposition")
	}
}
