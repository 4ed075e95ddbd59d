package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/followup/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *auditRepoPG) Append(ctx context.Context, e *Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO treatment_audit (id, treatment_id, action, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TreatmentID, e.Action, e.Description, string(metadata), e.Timestamp)
	return err
}

func (r *auditRepoPG) DeleteByTreatment(ctx context.Context, treatmentID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM treatment_audit WHERE treatment_id = $1`, treatmentID)
	return err
}

func (r *auditRepoPG) ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, treatment_id, action, description, metadata, created_at
		FROM treatment_audit WHERE treatment_id = $1 ORDER BY created_at, id`, treatmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		var (
			e        Entry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.TreatmentID, &e.Action, &e.Description, &metadata, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
