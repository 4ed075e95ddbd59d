package treatment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/followup/internal/domain/protocol"
	"github.com/clinicflow/followup/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type treatmentRepoPG struct{ pool *pgxpool.Pool }

func NewTreatmentRepoPG(pool *pgxpool.Pool) TreatmentRepository {
	return &treatmentRepoPG{pool: pool}
}

func (r *treatmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const treatmentCols = `id, patient_id, procedure_id, procedure_name, has_survey, scripts,
	started_at, reference_at, status, tasks_completed, total_tasks, progress,
	stage_data, survey, completed_at, version, created_at, updated_at`

func (r *treatmentRepoPG) scanRow(row pgx.Row) (*Treatment, error) {
	var (
		t                         Treatment
		scripts, stageData, surve []byte
	)
	err := row.Scan(&t.ID, &t.PatientID, &t.ProcedureID, &t.ProcedureName, &t.HasSurvey, &scripts,
		&t.StartedAt, &t.ReferenceAt, &t.Status, &t.TasksCompleted, &t.TotalTasks, &t.Progress,
		&stageData, &surve, &t.CompletedAt, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeDocuments(&t, scripts, stageData, surve); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *treatmentRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Treatment, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
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

func (r *treatmentRepoPG) Create(ctx context.Context, t *Treatment) error {
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
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO treatment (id, patient_id, procedure_id, procedure_name, has_survey, scripts,
			started_at, reference_at, status, tasks_completed, total_tasks, progress,
			stage_data, survey, completed_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		t.ID, t.PatientID, t.ProcedureID, t.ProcedureName, t.HasSurvey, scripts,
		t.StartedAt, t.ReferenceAt, t.Status, t.TasksCompleted, t.TotalTasks, t.Progress,
		stageData, surve, t.CompletedAt, t.Version,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateActiveTreatment, t.ProcedureName)
	}
	return err
}

func (r *treatmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE id = $1`, id))
}

func (r *treatmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error) {
	return r.list(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE patient_id = $1 ORDER BY started_at DESC, created_at DESC`, patientID)
}

func (r *treatmentRepoPG) FindActive(ctx context.Context, patientID, procedureID uuid.UUID) (*Treatment, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `
		SELECT `+treatmentCols+` FROM treatment
		WHERE patient_id = $1 AND procedure_id = $2 AND status = $3`,
		patientID, procedureID, protocol.StatusActive))
}

func (r *treatmentRepoPG) ListActive(ctx context.Context) ([]*Treatment, error) {
	return r.list(ctx, `SELECT `+treatmentCols+` FROM treatment WHERE status = $1 ORDER BY started_at`, protocol.StatusActive)
}

// update runs a versioned partial update. set refers to its arguments as
// $3 onwards; $1 is the id and $2 the expected version.
func (r *treatmentRepoPG) update(ctx context.Context, t *Treatment, set string, args ...interface{}) error {
	err := r.conn(ctx).QueryRow(ctx,
		`UPDATE treatment SET `+set+`, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		append([]interface{}{t.ID, t.Version}, args...)...,
	).Scan(&t.Version, &t.UpdatedAt)
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM treatment WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (r *treatmentRepoPG) UpdateStageData(ctx context.Context, t *Treatment) error {
	stageData, err := json.Marshal(t.StageData)
	if err != nil {
		return fmt.Errorf("encode stage data: %w", err)
	}
	return r.update(ctx, t, `stage_data = $3`, string(stageData))
}

func (r *treatmentRepoPG) UpdateProgress(ctx context.Context, t *Treatment) error {
	return r.update(ctx, t, `tasks_completed = $3, progress = $4, status = $5, completed_at = $6`,
		t.TasksCompleted, t.Progress, t.Status, t.CompletedAt)
}

func (r *treatmentRepoPG) UpdateSurvey(ctx context.Context, t *Treatment) error {
	surve, err := json.Marshal(t.Survey)
	if err != nil {
		return fmt.Errorf("encode survey: %w", err)
	}
	return r.update(ctx, t, `survey = $3`, string(surve))
}

func (r *treatmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM treatment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// JSON columns, shared with the SQLite repository
// ---------------------------------------------------------------------------

func encodeDocuments(t *Treatment) (scripts, stageData, surve string, err error) {
	if t.StageData == nil {
		t.StageData = map[string]*protocol.StageData{}
	}
	b, err := json.Marshal(t.Scripts)
	if err != nil {
		return "", "", "", fmt.Errorf("encode scripts: %w", err)
	}
	scripts = string(b)
	if b, err = json.Marshal(t.StageData); err != nil {
		return "", "", "", fmt.Errorf("encode stage data: %w", err)
	}
	stageData = string(b)
	if b, err = json.Marshal(t.Survey); err != nil {
		return "", "", "", fmt.Errorf("encode survey: %w", err)
	}
	return scripts, stageData, string(b), nil
}

func decodeDocuments(t *Treatment, scripts, stageData, surve []byte) error {
	if err := json.Unmarshal(scripts, &t.Scripts); err != nil {
		return fmt.Errorf("decode scripts of treatment %s: %w", t.ID, err)
	}
	if err := json.Unmarshal(stageData, &t.StageData); err != nil {
		return fmt.Errorf("decode stage data of treatment %s: %w", t.ID, err)
	}
	if t.StageData == nil {
		t.StageData = map[string]*protocol.StageData{}
	}
	if err := json.Unmarshal(surve, &t.Survey); err != nil {
		return fmt.Errorf("decode survey of treatment %s: %w", t.ID, err)
	}
	if t.Survey.Status == "" {
		t.Survey.Status = protocol.SurveyPending
	}
	return nil
}
