package treatment

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clinicflow/followup/internal/domain/protocol"
)

func TestView_SLAScenario(t *testing.T) {
	fx := newFixture(t)
	tr := fx.start(t, fx.ana, fx.botox)
	due := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		now      time.Time
		sla      protocol.SLAStatus
		dueToday bool
	}{
		{"day before", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), protocol.SLAOnTime, false},
		{"one second outside warning", due.Add(-15*time.Minute - time.Second), protocol.SLAOnTime, true},
		{"ten minutes before", time.Date(2024, 3, 2, 8, 50, 0, 0, time.UTC), protocol.SLAWarning, true},
		{"at due", due, protocol.SLAWarning, true},
		{"one minute late", time.Date(2024, 3, 2, 9, 1, 0, 0, time.UTC), protocol.SLALate, true},
		{"next day", due.Add(24 * time.Hour), protocol.SLALate, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx.clock = tt.now
			v, err := fx.svc.View(context.Background(), tr.ID)
			if err != nil {
				t.Fatalf("View() error: %v", err)
			}
			st := v.Stages[0]
			if st.DueAt == nil || !st.DueAt.Equal(due) {
				t.Fatalf("expected due %v, got %v", due, st.DueAt)
			}
			if st.SLA != tt.sla {
				t.Errorf("sla = %s, want %s", st.SLA, tt.sla)
			}
			if st.DueToday != tt.dueToday {
				t.Errorf("due_today = %v, want %v", st.DueToday, tt.dueToday)
			}
		})
	}
}

func TestView_StagesAndGate(t *testing.T) {
	fx := newFixture(t)
	tr := fx.start(t, fx.ana, fx.botox)

	v, err := fx.svc.View(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
	if v.PatientName != "Ana Souza" || v.ActiveStage != 1 || len(v.Stages) != 2 {
		t.Fatalf("unexpected view header: %q stage %d, %d stages", v.PatientName, v.ActiveStage, len(v.Stages))
	}

	active, future := v.Stages[0], v.Stages[1]
	if active.State != protocol.StageActive || future.State != protocol.StageFuture {
		t.Errorf("unexpected states %s/%s", active.State, future.State)
	}
	if active.Gate == nil || active.CanAdvance {
		t.Fatalf("expected gate report without advance, got %+v", active.Gate)
	}
	if len(active.Gate.MissingActions) != 1 || active.Gate.MissingActions[0] != "ask_pain" {
		t.Errorf("expected ask_pain missing, got %v", active.Gate.MissingActions)
	}
	if future.Gate != nil || future.Message != nil || future.SLA != "" {
		t.Error("expected future stage without gate, message or sla")
	}
	wantDue := time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)
	if future.DueAt == nil || !future.DueAt.Equal(wantDue) {
		t.Errorf("expected future stage due %v, got %v", wantDue, future.DueAt)
	}

	msg := active.Message
	if msg == nil || msg.Text != "Olá Ana, como está após o Botox?" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Phone != "5511987654321" || !strings.HasPrefix(msg.WhatsAppURL, "https://wa.me/5511987654321?text=") {
		t.Errorf("unexpected click-to-chat data %+v", msg)
	}

	got := fx.finishStage1(t, tr.ID)
	v, _ = fx.svc.ViewOf(context.Background(), got)
	if v.Stages[0].State != protocol.StageCompleted || v.Stages[0].Gate != nil {
		t.Errorf("expected completed stage 1 without gate, got %+v", v.Stages[0])
	}
	if v.Stages[1].Gate == nil || !v.Stages[1].Gate.PhotoRequired {
		t.Errorf("expected photo requirement on stage 2, got %+v", v.Stages[1].Gate)
	}
}

func TestView_InvalidTimingIsLocal(t *testing.T) {
	fx := newFixture(t)
	broken := fx.addProcedure("Laser", []protocol.ScriptStage{
		{Title: "Day 1", Timing: protocol.Delay(1, protocol.UnitDays)},
		{Title: "Bad clock", Timing: protocol.Specific(2, "25:00")},
		{Title: "Day 10", Timing: protocol.Delay(10, protocol.UnitDays)},
	})
	tr := fx.start(t, fx.ana, broken)

	v, err := fx.svc.View(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
	if v.Stages[1].DueError != DueErrorInvalidDate || v.Stages[1].DueAt != nil {
		t.Errorf("expected invalid date on stage 2, got %+v", v.Stages[1])
	}
	if v.Stages[0].DueAt == nil || v.Stages[2].DueAt == nil {
		t.Error("expected sibling stages to keep their due dates")
	}
}

func TestView_ClinicTimezone(t *testing.T) {
	fx := newFixture(t)
	loc := time.FixedZone("BRT", -3*3600)
	fx.svc.SetClassifier(protocol.NewClassifier(15*time.Minute, loc))
	evening := fx.addProcedure("Peeling", []protocol.ScriptStage{
		{Title: "Next evening", Timing: protocol.Specific(1, "19:00")},
	})
	tr := fx.start(t, fx.ana, evening)

	v, err := fx.svc.View(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("View() error: %v", err)
	}
	// 2024-03-01 09:00 UTC is 06:00 in the clinic; 19:00 next day is 22:00 UTC.
	want := time.Date(2024, 3, 2, 22, 0, 0, 0, time.UTC)
	if v.Stages[0].DueAt == nil || !v.Stages[0].DueAt.Equal(want) {
		t.Errorf("expected due %v, got %v", want, v.Stages[0].DueAt)
	}
}

func TestRenderMessage(t *testing.T) {
	fx := newFixture(t)
	tr := fx.start(t, fx.ana, fx.botox)

	msg, err := fx.svc.RenderMessage(context.Background(), tr.ID, 2)
	if err != nil {
		t.Fatalf("RenderMessage() error: %v", err)
	}
	if msg.Text != "Ana, pode nos enviar fotos?" {
		t.Errorf("unexpected text %q", msg.Text)
	}
	if _, err := fx.svc.RenderMessage(context.Background(), tr.ID, 5); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestFollowUps(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	onTrack := fx.start(t, fx.ana, fx.botox)

	bia := fx.addPatient("Bia Lima", nil)
	fx.clock = time.Date(2024, 2, 28, 9, 0, 0, 0, time.UTC)
	late := fx.start(t, bia, fx.botox)

	fx.clock = time.Date(2024, 3, 2, 8, 50, 0, 0, time.UTC)
	items, err := fx.svc.FollowUps(ctx, DashboardFilter{})
	if err != nil {
		t.Fatalf("FollowUps() error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 follow-ups, got %d", len(items))
	}
	if items[0].TreatmentID != late.ID || items[1].TreatmentID != onTrack.ID {
		t.Errorf("expected earliest due first, got %s then %s", items[0].PatientName, items[1].PatientName)
	}
	if items[0].SLA != protocol.SLALate || items[1].SLA != protocol.SLAWarning {
		t.Errorf("unexpected classes %s/%s", items[0].SLA, items[1].SLA)
	}
	if items[0].PatientName != "Bia Lima" || items[1].StageTitle != "Day 1 check-in" {
		t.Errorf("unexpected follow-up data %+v", items)
	}

	lateOnly, _ := fx.svc.FollowUps(ctx, DashboardFilter{SLA: protocol.SLALate})
	if len(lateOnly) != 1 || lateOnly[0].TreatmentID != late.ID {
		t.Errorf("expected only the late treatment, got %+v", lateOnly)
	}
	today, _ := fx.svc.FollowUps(ctx, DashboardFilter{DueToday: true})
	if len(today) != 1 || today[0].TreatmentID != onTrack.ID {
		t.Errorf("expected only today's treatment, got %+v", today)
	}
}

func TestSweeper_Sweep(t *testing.T) {
	fx := newFixture(t)
	fx.start(t, fx.ana, fx.botox)
	fx.clock = time.Date(2024, 2, 20, 9, 0, 0, 0, time.UTC)
	fx.start(t, fx.addPatient("Bia Lima", nil), fx.botox)
	broken := fx.addProcedure("Laser", []protocol.ScriptStage{{Title: "Bad", Timing: protocol.Specific(1, "99:99")}})
	fx.start(t, fx.ana, broken)

	fx.clock = time.Date(2024, 3, 2, 8, 50, 0, 0, time.UTC)
	res, err := NewSweeper(fx.svc, time.Minute, fx.svc.logger).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	want := SweepResult{Warning: 1, Late: 1, Invalid: 1, DueToday: 1}
	if res != want {
		t.Errorf("Sweep() = %+v, want %+v", res, want)
	}
	if fx.metrics.activeStages["late"] != 1 || fx.metrics.activeStages["warning"] != 1 || fx.metrics.activeStages["ontime"] != 0 {
		t.Errorf("unexpected gauges %v", fx.metrics.activeStages)
	}
	if fx.metrics.dueToday != 1 || !fx.metrics.lastSweep.Equal(fx.clock) {
		t.Errorf("unexpected due-today %d / sweep time %v", fx.metrics.dueToday, fx.metrics.lastSweep)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(fx.svc, 10*time.Millisecond, fx.svc.logger).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
