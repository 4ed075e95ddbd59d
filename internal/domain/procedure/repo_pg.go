package procedure

import (
	"context"
	"encoding/json"
	"errors"
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

type procedureRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureRepoPG(pool *pgxpool.Pool) ProcedureRepository {
	return &procedureRepoPG{pool: pool}
}

func (r *procedureRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const procedureCols = `id, name, description, scripts, has_survey, created_at, updated_at`

func (r *procedureRepoPG) scanRow(row pgx.Row) (*Procedure, error) {
	var (
		p       Procedure
		scripts []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &scripts, &p.HasSurvey, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scripts, &p.Scripts); err != nil {
		return nil, fmt.Errorf("decode scripts of procedure %s: %w", p.ID, err)
	}
	return &p, nil
}

func (r *procedureRepoPG) Create(ctx context.Context, p *Procedure) error {
	scripts, err := json.Marshal(p.Scripts)
	if err != nil {
		return fmt.Errorf("encode scripts: %w", err)
	}
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO procedure_template (id, name, description, scripts, has_survey)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, string(scripts), p.HasSurvey,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *procedureRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+procedureCols+` FROM procedure_template WHERE id = $1`, id))
}

func (r *procedureRepoPG) Update(ctx context.Context, p *Procedure) error {
	scripts, err := json.Marshal(p.Scripts)
	if err != nil {
		return fmt.Errorf("encode scripts: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE procedure_template SET name = $2, description = $3, scripts = $4, has_survey = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, string(scripts), p.HasSurvey,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *procedureRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM procedure_template WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *procedureRepoPG) List(ctx context.Context, limit, offset int) ([]*Procedure, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM procedure_template`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+procedureCols+` FROM procedure_template ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Procedure
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
