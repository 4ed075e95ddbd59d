package patient

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/platform/db"
)

func newSQLiteRepo(t *testing.T) PatientRepository {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "followup.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewPatientRepoSQLite(conn)
}

func TestPatientRepoSQLite_CreateGetUpdate(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	loc := time.FixedZone("BRT", -3*3600)
	procedureDate := time.Date(2024, 3, 1, 9, 0, 0, 0, loc)
	p := &Patient{Name: "Ana Souza", Phone: "11987654321", ProcedureDate: &procedureDate}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := repo.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.Name != "Ana Souza" || got.Phone != "11987654321" {
		t.Errorf("unexpected patient %+v", got)
	}
	if got.ProcedureDate == nil || !got.ProcedureDate.Equal(procedureDate) {
		t.Errorf("expected procedure date %v, got %v", procedureDate, got.ProcedureDate)
	}

	got.ProcedureDate = nil
	got.Name = "Ana S."
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	again, _ := repo.GetByID(ctx, p.ID)
	if again.ProcedureDate != nil || again.Name != "Ana S." {
		t.Errorf("update not persisted: %+v", again)
	}
}

func TestPatientRepoSQLite_NotFound(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.Update(ctx, &Patient{ID: uuid.New(), Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestPatientRepoSQLite_List(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	for _, name := range []string{"Carla", "ana", "Mariana", "Bruna"} {
		if err := repo.Create(ctx, &Patient{Name: name}); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	items, total, err := repo.List(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 4 || len(items) != 2 {
		t.Fatalf("expected 2 of 4, got %d of %d", len(items), total)
	}

	items, total, err = repo.List(ctx, "ANA", 10, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("expected 2 name matches, got %d", total)
	}
}
