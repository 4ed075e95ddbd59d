package protocol

import (
	"testing"
	"time"
)

func TestClassify_Boundaries(t *testing.T) {
	due := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want SLAStatus
	}{
		{"exactly due", due, SLAWarning},
		{"threshold edge", due.Add(-15 * time.Minute), SLAWarning},
		{"just outside threshold", due.Add(-15*time.Minute - time.Second), SLAOnTime},
		{"one second late", due.Add(time.Second), SLALate},
		{"ten minutes left", due.Add(-10 * time.Minute), SLAWarning},
		{"a day early", due.AddDate(0, 0, -1), SLAOnTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(due, tt.now); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClassify_Pure(t *testing.T) {
	due := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	now := due.Add(-5 * time.Minute)
	first := Classify(due, now)
	for i := 0; i < 10; i++ {
		if got := Classify(due, now); got != first {
			t.Fatalf("classification changed between calls: %s vs %s", first, got)
		}
	}
}

func TestClassifier_CustomThreshold(t *testing.T) {
	c := NewClassifier(time.Hour, time.UTC)
	due := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

	if got := c.Classify(due, due.Add(-59*time.Minute)); got != SLAWarning {
		t.Errorf("expected warning, got %s", got)
	}
	if got := c.Classify(due, due.Add(-61*time.Minute)); got != SLAOnTime {
		t.Errorf("expected ontime, got %s", got)
	}
}

func TestNewClassifier_Defaults(t *testing.T) {
	c := NewClassifier(0, nil)
	if c.Warning != DefaultWarningThreshold {
		t.Errorf("expected default threshold, got %s", c.Warning)
	}
	if c.Location != time.UTC {
		t.Errorf("expected UTC, got %v", c.Location)
	}
}

func TestClassifier_DueToday(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	c := NewClassifier(0, loc)

	// 01:00 UTC on the 2nd is still the 1st in UTC-3.
	due := time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !c.DueToday(due, now) {
		t.Error("expected due today in operator time zone")
	}
	if NewClassifier(0, time.UTC).DueToday(due, now) {
		t.Error("expected not due today in UTC")
	}
}

func TestDueToday_DoesNotAffectClassification(t *testing.T) {
	c := NewClassifier(0, time.UTC)
	due := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	if !c.DueToday(due, now) {
		t.Fatal("expected due today")
	}
	if got := c.Classify(due, now); got != SLAOnTime {
		t.Errorf("expected ontime, got %s", got)
	}
}

func TestScenario_DayAfterProcedure(t *testing.T) {
	startedAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	due, err := ResolveDueDate(startedAt, Delay(1, UnitDays))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC); !due.Equal(want) {
		t.Fatalf("expected due %s, got %s", want, due)
	}
	if got := Classify(due, time.Date(2024, 3, 2, 8, 50, 0, 0, time.UTC)); got != SLAWarning {
		t.Errorf("08:50: expected warning, got %s", got)
	}
	if got := Classify(due, time.Date(2024, 3, 2, 9, 1, 0, 0, time.UTC)); got != SLALate {
		t.Errorf("09:01: expected late, got %s", got)
	}
}
