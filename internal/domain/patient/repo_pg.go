package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const patientColumns = `id, mrn, vendor_patient_ref, first_name, last_name, email, phone, address, active, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, p *Patient) error {
	addr, err := json.Marshal(p.Address)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO patient (id, mrn, vendor_patient_ref, first_name, last_name, email, phone, address, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		p.ID, p.MRN, p.VendorPatientRef, p.FirstName, p.LastName, p.Email, p.Phone, addr, p.Active,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateMRN
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getBy(ctx, "id = $1", id)
}

func (r *PGRepository) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return r.getBy(ctx, "mrn = $1", mrn)
}

func (r *PGRepository) GetByVendorRef(ctx context.Context, ref string) (*Patient, error) {
	return r.getBy(ctx, "vendor_patient_ref = $1", ref)
}

func (r *PGRepository) getBy(ctx context.Context, where string, arg interface{}) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patient WHERE `+where, arg)
	p, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Update(ctx context.Context, p *Patient) error {
	addr, err := json.Marshal(p.Address)
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE patient
		SET vendor_patient_ref = $2, first_name = $3, last_name = $4, email = $5,
		    phone = $6, address = $7, active = $8, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.VendorPatientRef, p.FirstName, p.LastName, p.Email, p.Phone, addr, p.Active,
	)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+patientColumns+` FROM patient ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var addr []byte
	err := row.Scan(&p.ID, &p.MRN, &p.VendorPatientRef, &p.FirstName, &p.LastName,
		&p.Email, &p.Phone, &addr, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(addr) > 0 {
		if err := json.Unmarshal(addr, &p.Address); err != nil {
			return nil, fmt.Errorf("unmarshal address: %w", err)
		}
	}
	return &p, nil
}
