package vitals

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) StoreReading(ctx context.Context, r *Reading) error {
	values, err := json.Marshal(r.Values)
	if err != nil {
		return fmt.Errorf("marshal values: %w", err)
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO vital_reading (id, device_id, patient_id, device_type, readings, metadata, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.DeviceID, r.PatientID, r.DeviceType, values, metadata, r.Source, r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

func (s *PGStore) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Reading, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vital_reading WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count readings: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, patient_id, device_type, readings, metadata, source, recorded_at, created_at
		FROM vital_reading
		WHERE patient_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3`,
		patientID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list readings: %w", err)
	}
	defer rows.Close()

	var readings []*Reading
	for rows.Next() {
		var r Reading
		var values, metadata []byte
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.PatientID, &r.DeviceType, &values, &metadata, &r.Source, &r.RecordedAt, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan reading: %w", err)
		}
		if len(values) > 0 {
			if err := json.Unmarshal(values, &r.Values); err != nil {
				return nil, 0, fmt.Errorf("unmarshal values: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
				return nil, 0, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		readings = append(readings, &r)
	}
	return readings, total, rows.Err()
}
