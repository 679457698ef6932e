package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

const deviceColumns = `id, serial_number, vendor_device_id, device_type, status, patient_id, order_id, replaces_device_id, last_contact_at, assigned_at, history, version, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, d *Device) error {
	history, err := json.Marshal(d.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if d.Version == 0 {
		d.Version = 1
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO device (id, serial_number, vendor_device_id, device_type, status, patient_id, order_id, replaces_device_id, last_contact_at, assigned_at, history, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())`,
		d.ID, d.SerialNumber, d.VendorDeviceRef, d.DeviceType, d.Status, d.PatientID,
		d.OrderID, d.ReplacesDeviceID, d.LastContactAt, d.AssignedAt, history, d.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSerial
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	return r.getBy(ctx, "id = $1", id)
}

func (r *PGRepository) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	return r.getBy(ctx, "serial_number = $1", serial)
}

func (r *PGRepository) GetByVendorRef(ctx context.Context, ref string) (*Device, error) {
	return r.getBy(ctx, "vendor_device_id = $1", ref)
}

func (r *PGRepository) getBy(ctx context.Context, where string, arg interface{}) (*Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device WHERE `+where, arg)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// Update writes the device guarded by its version column. Zero rows
// affected means either the device is gone or another writer got there
// first; the two cases are distinguished with a follow-up lookup.
func (r *PGRepository) Update(ctx context.Context, d *Device, expectedVersion int) error {
	history, err := json.Marshal(d.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE device
		SET serial_number = $2, vendor_device_id = $3, device_type = $4, status = $5,
		    patient_id = $6, order_id = $7, replaces_device_id = $8, last_contact_at = $9,
		    assigned_at = $10, history = $11, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $12`,
		d.ID, d.SerialNumber, d.VendorDeviceRef, d.DeviceType, d.Status, d.PatientID,
		d.OrderID, d.ReplacesDeviceID, d.LastContactAt, d.AssignedAt, history, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, d.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	d.Version = expectedVersion + 1
	return nil
}

func (r *PGRepository) List(ctx context.Context, filter Filter) ([]*Device, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argn := 0
	if filter.Status != "" {
		argn++
		where += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, filter.Status)
	}
	if filter.DeviceType != "" {
		argn++
		where += fmt.Sprintf(" AND device_type = $%d", argn)
		args = append(args, filter.DeviceType)
	}
	if filter.PatientID != nil {
		argn++
		where += fmt.Sprintf(" AND patient_id = $%d", argn)
		args = append(args, *filter.PatientID)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM device`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count devices: %w", err)
	}

	query := `SELECT ` + deviceColumns + ` FROM device` + where + ` ORDER BY created_at`
	if filter.Limit > 0 {
		argn++
		query += fmt.Sprintf(" LIMIT $%d", argn)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argn++
		query += fmt.Sprintf(" OFFSET $%d", argn)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, total, rows.Err()
}

func (r *PGRepository) ListSilentSince(ctx context.Context, cutoff time.Time) ([]*Device, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM device
		WHERE status = $1 AND (last_contact_at IS NULL OR last_contact_at < $2)`,
		StatusActive, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list silent devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	var history []byte
	err := row.Scan(&d.ID, &d.SerialNumber, &d.VendorDeviceRef, &d.DeviceType, &d.Status,
		&d.PatientID, &d.OrderID, &d.ReplacesDeviceID, &d.LastContactAt, &d.AssignedAt,
		&history, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &d.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return &d, nil
}
