package procedure

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/platform/db"
)

type procedureRepoSQLite struct{ conn *sql.DB }

func NewProcedureRepoSQLite(conn *sql.DB) ProcedureRepository {
	return &procedureRepoSQLite{conn: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *procedureRepoSQLite) scanRow(row rowScanner) (*Procedure, error) {
	var (
		p                    Procedure
		id, scripts          string
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &p.Name, &p.Description, &scripts, &p.HasSurvey, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scripts), &p.Scripts); err != nil {
		return nil, fmt.Errorf("decode scripts of procedure %s: %w", p.ID, err)
	}
	if p.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *procedureRepoSQLite) Create(ctx context.Context, p *Procedure) error {
	scripts, err := json.Marshal(p.Scripts)
	if err != nil {
		return fmt.Errorf("encode scripts: %w", err)
	}
	p.ID = uuid.New()
	now := time.Now().UTC()
	_, err = db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		INSERT INTO procedure_template (id, name, description, scripts, has_survey, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.Description, string(scripts), p.HasSurvey, db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return err
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (r *procedureRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return r.scanRow(db.SQLConn(ctx, r.conn).QueryRowContext(ctx,
		`SELECT `+procedureCols+` FROM procedure_template WHERE id = ?`, id.String()))
}

func (r *procedureRepoSQLite) Update(ctx context.Context, p *Procedure) error {
	scripts, err := json.Marshal(p.Scripts)
	if err != nil {
		return fmt.Errorf("encode scripts: %w", err)
	}
	now := time.Now().UTC()
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		UPDATE procedure_template SET name = ?, description = ?, scripts = ?, has_survey = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Description, string(scripts), p.HasSurvey, db.FormatTime(now), p.ID.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	p.UpdatedAt = now
	return nil
}

func (r *procedureRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `DELETE FROM procedure_template WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *procedureRepoSQLite) List(ctx context.Context, limit, offset int) ([]*Procedure, int, error) {
	conn := db.SQLConn(ctx, r.conn)
	var total int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM procedure_template`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.QueryContext(ctx, `SELECT `+procedureCols+` FROM procedure_template ORDER BY name LIMIT ? OFFSET ?`, limit, offset)
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
