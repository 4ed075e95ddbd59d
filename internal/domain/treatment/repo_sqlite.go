package treatment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/domain/protocol"
	"github.com/clinicflow/followup/internal/platform/db"
)

type treatmentRepoSQLite struct{ conn *sql.DB }

func NewTreatmentRepoSQLite(conn *sql.DB) TreatmentRepository {
	return &treatmentRepoSQLite{conn: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *treatmentRepoSQLite) scanRow(row rowScanner) (*Treatment, error) {
	var (
		t                          Treatment
		id, patientID, procedureID string
		scripts, stageData, surve  string
		startedAt, referenceAt     string
		createdAt, updatedAt       string
		completedAt                sql.NullString
	)
	err := row.Scan(&id, &patientID, &procedureID, &t.ProcedureName, &t.HasSurvey, &scripts,
		&startedAt, &referenceAt, &t.Status, &t.TasksCompleted, &t.TotalTasks, &t.Progress,
		&stageData, &surve, &completedAt, &t.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if t.PatientID, err = uuid.Parse(patientID); err != nil {
		return nil, err
	}
	if t.ProcedureID, err = uuid.Parse(procedureID); err != nil {
		return nil, err
	}
	if t.StartedAt, err = db.ParseTime(startedAt); err != nil {
		return nil, err
	}
	if t.ReferenceAt, err = db.ParseTime(referenceAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = db.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := decodeDocuments(&t, []byte(scripts), []byte(stageData), []byte(surve)); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *treatmentRepoSQLite) list(ctx context.Context, query string, args ...any) ([]*Treatment, error) {
	rows, err := db.SQLConn(ctx, r.conn).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Treatment
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *treatmentRepoSQLite) Create(ctx context.Context, t *Treatment) error {
	scripts, stageData, surve, err := encodeDocuments(t)
	if err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Version == 0 {
		t.Version = 1
	}
	now := time.Now().UTC()
	_, err = db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		INSERT INTO treatment (id, patient_id, procedure_id, procedure_name, has_survey, scripts,
			started_at, reference_at, status, tasks_completed, total_tasks, progress,
			stage_data, survey, completed_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.PatientID.String(), t.ProcedureID.String(), t.ProcedureName, t.HasSurvey, scripts,
		db.FormatTime(t.StartedAt), db.FormatTime(t.ReferenceAt), string(t.Status),
		t.TasksCompleted, t.TotalTasks, t.Progress,
		stageData, surve, db.FormatNullTime(t.CompletedAt), t.Version,
		db.FormatTime(now), db.FormatTime(now))
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateActiveTreatment, t.ProcedureName)
	}
	if err != nil {
		return err
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

func (r *treatmentRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return r.scanRow(db.SQLConn(ctx, r.conn).QueryRowContext(ctx,
		`SELECT `+treatmentCols+` FROM treatment WHERE id = ?`, id.String()))
}

func (r *treatmentRepoSQLite) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	return r.list(ctx, `SELECT `+treatmentCols+` FROM treatment
		WHERE patient_id = ? ORDER BY started_at DESC, created_at DESC`, patientID.String())
}

func (r *treatmentRepoSQLite) FindActive(ctx context.Context, patientID, procedureID uuid.UUID) (*Treatment, error) {
	return r.scanRow(db.SQLConn(ctx, r.conn).QueryRowContext(ctx, `
		SELECT `+treatmentCols+` FROM treatment
		WHERE patient_id = ? AND procedure_id = ? AND status = ?`,
		patientID.String(), procedureID.String(), string(protocol.StatusActive)))
}

func (r *treatmentRepoSQLite) ListActive(ctx context.Context) ([]*Treatment, error) {
	return r.list(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE status = ? ORDER BY started_at`,
		string(protocol.StatusActive))
}

// update runs a versioned partial update; set's placeholders come before
// the id and version arguments.
func (r *treatmentRepoSQLite) update(ctx context.Context, t *Treatment, set string, args ...any) error {
	now := time.Now().UTC()
	args = append(args, db.FormatTime(now), t.ID.String(), t.Version)
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx,
		`UPDATE treatment SET `+set+`, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := db.SQLConn(ctx, r.conn).QueryRowContext(ctx, `SELECT 1 FROM treatment WHERE id = ?`, t.ID.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

func (r *treatmentRepoSQLite) UpdateStageData(ctx context.Context, t *Treatment) error {
	stageData, err := json.Marshal(t.StageData)
	if err != nil {
		return fmt.Errorf("encode stage data: %w", err)
	}
	return r.update(ctx, t, `stage_data = ?`, string(stageData))
}

func (r *treatmentRepoSQLite) UpdateProgress(ctx context.Context, t *Treatment) error {
	return r.update(ctx, t, `tasks_completed = ?, progress = ?, status = ?, completed_at = ?`,
		t.TasksCompleted, t.Progress, string(t.Status), db.FormatNullTime(t.CompletedAt))
}

func (r *treatmentRepoSQLite) UpdateSurvey(ctx context.Context, t *Treatment) error {
	surve, err := json.Marshal(t.Survey)
	if err != nil {
		return fmt.Errorf("encode survey: %w", err)
	}
	return r.update(ctx, t, `survey = ?`, string(surve))
}

func (r *treatmentRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `DELETE FROM treatment WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
