package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/platform/db"
)

func newSQLiteService(t *testing.T) (*Service, *db.SQLTxRunner) {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "followup.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewService(NewAuditRepoSQLite(conn)), db.NewSQLTxRunner(conn)
}

func TestService_AppendFillsDefaults(t *testing.T) {
	svc, _ := newSQLiteService(t)
	fixed := time.Date(2024, 3, 2, 9, 5, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	treatmentID := uuid.New()

	e := &Entry{TreatmentID: treatmentID, Action: ActionStageCompleted, Description: "Stage 1 completed"}
	if err := svc.Append(context.Background(), e); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if e.ID == uuid.Nil || !e.Timestamp.Equal(fixed) {
		t.Errorf("expected id and timestamp to be set, got %+v", e)
	}

	items, err := svc.ListByTreatment(context.Background(), treatmentID)
	if err != nil {
		t.Fatalf("ListByTreatment() error: %v", err)
	}
	if len(items) != 1 || items[0].Action != ActionStageCompleted || !items[0].Timestamp.Equal(fixed) {
		t.Errorf("unexpected history %+v", items)
	}
	if items[0].Metadata == nil {
		t.Error("expected empty metadata map, got nil")
	}
}

func TestService_AppendValidation(t *testing.T) {
	svc, _ := newSQLiteService(t)
	if err := svc.Append(context.Background(), &Entry{Action: ActionStageCompleted}); err == nil {
		t.Error("expected error without treatment id")
	}
	if err := svc.Append(context.Background(), &Entry{TreatmentID: uuid.New()}); err == nil {
		t.Error("expected error without action")
	}
}

func TestService_HistoryOrderAndDelete(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	treatmentID, other := uuid.New(), uuid.New()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, action := range []string{ActionTreatmentCreated, ActionMessageRegistered, ActionStageCompleted} {
		e := &Entry{
			TreatmentID: treatmentID,
			Action:      action,
			Description: action,
			Metadata:    map[string]string{"stage": "1"},
			// Inserted out of order on purpose.
			Timestamp: base.Add(time.Duration(3-i) * time.Hour),
		}
		if err := svc.Append(ctx, e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	svc.Append(ctx, &Entry{TreatmentID: other, Action: ActionTreatmentCreated})

	items, err := svc.ListByTreatment(ctx, treatmentID)
	if err != nil {
		t.Fatalf("ListByTreatment() error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(items))
	}
	if items[0].Action != ActionStageCompleted || items[2].Action != ActionTreatmentCreated {
		t.Errorf("expected chronological order, got %s .. %s", items[0].Action, items[2].Action)
	}
	if items[1].Metadata["stage"] != "1" {
		t.Errorf("metadata not preserved: %v", items[1].Metadata)
	}

	if err := svc.DeleteByTreatment(ctx, treatmentID); err != nil {
		t.Fatalf("DeleteByTreatment() error: %v", err)
	}
	if items, _ := svc.ListByTreatment(ctx, treatmentID); len(items) != 0 {
		t.Errorf("expected history removed, got %d entries", len(items))
	}
	if items, _ := svc.ListByTreatment(ctx, other); len(items) != 1 {
		t.Errorf("expected other treatment untouched, got %d entries", len(items))
	}
}

func TestService_AppendRollsBackWithTransaction(t *testing.T) {
	svc, runner := newSQLiteService(t)
	ctx := context.Background()
	treatmentID := uuid.New()

	err := runner.WithinTx(ctx, func(ctx context.Context) error {
		if err := svc.Append(ctx, &Entry{TreatmentID: treatmentID, Action: ActionPhotoRequested}); err != nil {
			return err
		}
		return context.Canceled
	})
	if err != context.Canceled {
		t.Fatalf("expected the callback error, got %v", err)
	}
	if items, _ := svc.ListByTreatment(ctx, treatmentID); len(items) != 0 {
		t.Errorf("expected rolled back entry, got %d entries", len(items))
	}
}
