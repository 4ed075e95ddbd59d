package patient

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/platform/db"
)

type patientRepoSQLite struct{ conn *sql.DB }

func NewPatientRepoSQLite(conn *sql.DB) PatientRepository {
	return &patientRepoSQLite{conn: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *patientRepoSQLite) scanRow(row rowScanner) (*Patient, error) {
	var (
		p                    Patient
		id                   string
		procedureDate        sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &p.Name, &p.Phone, &procedureDate, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if p.ProcedureDate, err = db.ParseNullTime(procedureDate); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoSQLite) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	now := time.Now().UTC()
	_, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		INSERT INTO patient (id, name, phone, procedure_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.Phone, db.FormatNullTime(p.ProcedureDate), db.FormatTime(now), db.FormatTime(now))
	if err != nil {
		return err
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (r *patientRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanRow(db.SQLConn(ctx, r.conn).QueryRowContext(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = ?`, id.String()))
}

func (r *patientRepoSQLite) Update(ctx context.Context, p *Patient) error {
	now := time.Now().UTC()
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		UPDATE patient SET name = ?, phone = ?, procedure_date = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Phone, db.FormatNullTime(p.ProcedureDate), db.FormatTime(now), p.ID.String())
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

func (r *patientRepoSQLite) List(ctx context.Context, name string, limit, offset int) ([]*Patient, int, error) {
	where := ``
	var args []any
	if name != "" {
		where = ` WHERE lower(name) LIKE '%' || lower(?) || '%'`
		args = append(args, name)
	}
	conn := db.SQLConn(ctx, r.conn)

	var total int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM patient`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT `+patientCols+` FROM patient`+where+` ORDER BY name, created_at LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
