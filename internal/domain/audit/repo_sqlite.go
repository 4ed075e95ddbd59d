package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/platform/db"
)

type auditRepoSQLite struct{ conn *sql.DB }

func NewAuditRepoSQLite(conn *sql.DB) AuditRepository {
	return &auditRepoSQLite{conn: conn}
}

func (r *auditRepoSQLite) Append(ctx context.Context, e *Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		INSERT INTO treatment_audit (id, treatment_id, action, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.TreatmentID.String(), e.Action, e.Description, string(metadata), db.FormatTime(e.Timestamp))
	return err
}

func (r *auditRepoSQLite) DeleteByTreatment(ctx context.Context, treatmentID uuid.UUID) error {
	_, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `DELETE FROM treatment_audit WHERE treatment_id = ?`, treatmentID.String())
	return err
}

func (r *auditRepoSQLite) ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Entry, error) {
	rows, err := db.SQLConn(ctx, r.conn).QueryContext(ctx, `
		SELECT id, treatment_id, action, description, metadata, created_at
		FROM treatment_audit WHERE treatment_id = ? ORDER BY created_at, id`, treatmentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		var (
			e                       Entry
			id, tid, meta, createdAt string
		)
		if err := rows.Scan(&id, &tid, &e.Action, &e.Description, &meta, &createdAt); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if e.TreatmentID, err = uuid.Parse(tid); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		if e.Timestamp, err = db.ParseTime(createdAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
