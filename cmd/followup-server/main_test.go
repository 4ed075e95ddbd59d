package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicflow/followup/internal/config"
	"github.com/clinicflow/followup/internal/domain/protocol"
)

// ---------------------------------------------------------------------------
// resolveDue tests
// ---------------------------------------------------------------------------

func TestResolveDue(t *testing.T) {
	tests := []struct {
		name      string
		reference string
		rule      string
		now       string
		tz        string
		wantDue   string
		wantSLA   protocol.SLAStatus
		wantToday bool
	}{
		{
			name:      "delay days on time",
			reference: "2024-03-01T09:00:00Z",
			rule:      "delay:1:days",
			now:       "2024-03-01T12:00:00Z",
			tz:        "UTC",
			wantDue:   "2024-03-02T09:00:00Z",
			wantSLA:   protocol.SLAOnTime,
		},
		{
			name:      "delay hours inside warning",
			reference: "2024-03-01T09:00:00Z",
			rule:      "delay:3:hours",
			now:       "2024-03-01T11:50:00Z",
			tz:        "UTC",
			wantDue:   "2024-03-01T12:00:00Z",
			wantSLA:   protocol.SLAWarning,
			wantToday: true,
		},
		{
			name:      "specific time late in clinic zone",
			reference: "2024-03-01T09:00:00-03:00",
			rule:      "specific:2:10:00",
			now:       "2024-03-03T14:00:00Z",
			tz:        "America/Sao_Paulo",
			wantDue:   "2024-03-03T10:00:00-03:00",
			wantSLA:   protocol.SLALate,
			wantToday: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := resolveDue(tt.reference, tt.rule, tt.now, protocol.DefaultWarningThreshold, tt.tz)
			if err != nil {
				t.Fatalf("resolveDue() error: %v", err)
			}
			want, _ := time.Parse(time.RFC3339, tt.wantDue)
			if !res.Due.Equal(want) {
				t.Errorf("due = %s, want %s", res.Due.Format(time.RFC3339), tt.wantDue)
			}
			if res.SLA != tt.wantSLA {
				t.Errorf("sla = %s, want %s", res.SLA, tt.wantSLA)
			}
			if res.DueToday != tt.wantToday {
				t.Errorf("due today = %v, want %v", res.DueToday, tt.wantToday)
			}
		})
	}
}

func TestResolveDue_InvalidInput(t *testing.T) {
	cases := map[string][3]string{
		"bad reference": {"yesterday", "delay:1:days", "UTC"},
		"bad rule":      {"2024-03-01T09:00:00Z", "delay:1:fortnights", "UTC"},
		"bad clock":     {"2024-03-01T09:00:00Z", "specific:1:25:00", "UTC"},
		"bad timezone":  {"2024-03-01T09:00:00Z", "delay:1:days", "Mars/Olympus"},
	}
	for name, in := range cases {
		if _, err := resolveDue(in[0], in[1], "", time.Minute, in[2]); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// ---------------------------------------------------------------------------
// server wiring
// ---------------------------------------------------------------------------

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Env:                 "test",
		StoreDriver:         config.StoreSQLite,
		SQLitePath:          filepath.Join(t.TempDir(), "followup.db"),
		BlobDriver:          config.BlobMemory,
		ClinicName:          "Clínica Bella",
		PhoneCountryCode:    "55",
		Timezone:            "UTC",
		SLAWarningThreshold: 15 * time.Minute,
		SLASweepInterval:    time.Minute,
		MutationRetries:     3,
		RequestTimeout:      5 * time.Second,
		BodyLimit:           "1M",
		UploadLimit:         "20M",
		CORSOrigins:         []string{"http://localhost:3000"},
		MetricsEnabled:      true,
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := testConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp() error: %v", err)
	}
	t.Cleanup(a.stores.close)
	return a
}

func do(t *testing.T, a *app, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func decodeID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil || v.ID == "" {
		t.Fatalf("decode id from %s: %v", rec.Body.String(), err)
	}
	return v.ID
}

func TestServer_Health(t *testing.T) {
	a := newTestApp(t)

	if rec := do(t, a, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d", rec.Code)
	}
	if rec := do(t, a, http.MethodGet, "/health/db", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /health/db = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_TreatmentLifecycle(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodPost, "/api/v1/patients", `{"name":"Ana Souza","phone":"11 98765-4321"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create patient = %d: %s", rec.Code, rec.Body.String())
	}
	patientID := decodeID(t, rec)

	rec = do(t, a, http.MethodPost, "/api/v1/procedures", `{
		"name": "Botox",
		"scripts": [{
			"title": "Day 1 check-in",
			"message": "Olá {{first_name}}",
			"timing": {"type": "delay", "value": 1, "unit": "days"},
			"actions": [{"id": "ask_pain", "description": "Ask about pain", "type": "checklist"}]
		}]
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create procedure = %d: %s", rec.Code, rec.Body.String())
	}
	procedureID := decodeID(t, rec)

	body := `{"patient_id":"` + patientID + `","procedure_id":"` + procedureID + `"}`
	rec = do(t, a, http.MethodPost, "/api/v1/treatments", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create treatment = %d: %s", rec.Code, rec.Body.String())
	}
	treatmentID := decodeID(t, rec)

	if rec := do(t, a, http.MethodPost, "/api/v1/treatments", body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate treatment = %d, want 409", rec.Code)
	}

	rec = do(t, a, http.MethodGet, "/api/v1/treatments/"+treatmentID+"/stages/1/message", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Olá Ana") {
		t.Errorf("stage message = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, a, http.MethodGet, "/api/v1/followups", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), treatmentID) {
		t.Errorf("followups = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, a, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "followup_treatments_created_total 1") {
		t.Errorf("metrics missing treatment counter: %d", rec.Code)
	}
}
