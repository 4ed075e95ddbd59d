package treatment

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/followup/internal/domain/patient"
	"github.com/clinicflow/followup/internal/domain/protocol"
	"github.com/clinicflow/followup/internal/platform/db"
)

// testPool connects to DATABASE_URL and applies the bundled migrations. Tests
// using it are skipped when no database is configured.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolOptions{URL: url, MaxConns: 4})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := db.NewMigrator(pool, db.PostgresMigrations()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestTreatmentRepoPG_Lifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	p := &patient.Patient{Name: "Ana Souza", Phone: "11987654321"}
	if err := patient.NewPatientRepoPG(pool).Create(ctx, p); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), "DELETE FROM patient WHERE id = $1", p.ID)
	})

	repo := NewTreatmentRepoPG(pool)
	procID := uuid.New()
	started := time.Now().UTC().Truncate(time.Second)

	tr := sampleTreatment(p.ID, procID, started)
	if err := repo.Create(ctx, tr); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := repo.Create(ctx, sampleTreatment(p.ID, procID, started)); !errors.Is(err, ErrDuplicateActiveTreatment) {
		t.Fatalf("expected ErrDuplicateActiveTreatment, got %v", err)
	}

	stale, err := repo.GetByID(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if len(stale.Scripts) != 2 || !stale.ReferenceAt.Equal(started) {
		t.Errorf("unexpected treatment %+v", stale)
	}

	if err := tr.MutateStage(1, func(st protocol.ScriptStage, d *protocol.StageData) error {
		return d.SetChecklistItem(st, "ask_pain", true)
	}); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateStageData(ctx, tr); err != nil {
		t.Fatalf("UpdateStageData() error: %v", err)
	}
	if err := repo.UpdateStageData(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	active, err := repo.FindActive(ctx, p.ID, procID)
	if err != nil || active.ID != tr.ID || !active.Data(1).Checklist["ask_pain"] {
		t.Errorf("FindActive() = %+v, %v", active, err)
	}

	if err := repo.Delete(ctx, tr.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := repo.GetByID(ctx, tr.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
