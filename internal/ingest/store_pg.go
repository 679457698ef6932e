package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGEventStore is the PostgreSQL-backed EventStore.
type PGEventStore struct {
	pool *pgxpool.Pool
}

func NewPGEventStore(pool *pgxpool.Pool) *PGEventStore {
	return &PGEventStore{pool: pool}
}

const eventColumns = `id, vendor_event_id, dedup_key, category, event_type, status, error, replay_of, vendor_timestamp, payload, received_at, processed_at`

func (s *PGEventStore) Create(ctx context.Context, evt *WebhookEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_event (id, vendor_event_id, dedup_key, category, event_type, status, error, replay_of, vendor_timestamp, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)`,
		evt.ID, nullable(evt.VendorEventID), evt.DedupKey, evt.Category, evt.EventType,
		evt.Status, evt.FailureReason, nullable(evt.ReplayOf), evt.VendorTime, []byte(evt.Payload), evt.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *PGEventStore) GetByID(ctx context.Context, id string) (*WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_event WHERE id = $1`, id)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return evt, nil
}

func (s *PGEventStore) ExistsByDedupKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_event WHERE dedup_key = $1 AND status <> $2)`,
		key, StatusDuplicateIgnored,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dedup key: %w", err)
	}
	return exists, nil
}

func (s *PGEventStore) UpdateStatus(ctx context.Context, id, status, failureReason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_event
		SET status = $2, error = NULLIF($3, ''), processed_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, status, failureReason, StatusReceived,
	)
	if err != nil {
		return fmt.Errorf("update webhook event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrEventSettled
	}
	return nil
}

func (s *PGEventStore) List(ctx context.Context, filter EventFilter) ([]*WebhookEvent, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argn := 0
	if filter.Status != "" {
		argn++
		where += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, filter.Status)
	}
	if filter.Category != "" {
		argn++
		where += fmt.Sprintf(" AND category = $%d", argn)
		args = append(args, filter.Category)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_event`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook events: %w", err)
	}

	query := `SELECT ` + eventColumns + ` FROM webhook_event` + where + ` ORDER BY received_at DESC`
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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, evt)
	}
	return events, total, rows.Err()
}

func (s *PGEventStore) ListByStatus(ctx context.Context, status string, limit int) ([]*WebhookEvent, error) {
	events, _, err := s.List(ctx, EventFilter{Status: status, Limit: limit})
	return events, err
}

func (s *PGEventStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM webhook_event GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count webhook events by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanEvent(row pgx.Row) (*WebhookEvent, error) {
	var evt WebhookEvent
	var vendorEventID, failureReason, replayOf *string
	var payload []byte
	err := row.Scan(
		&evt.ID, &vendorEventID, &evt.DedupKey, &evt.Category, &evt.EventType,
		&evt.Status, &failureReason, &replayOf, &evt.VendorTime, &payload, &evt.ReceivedAt, &evt.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	if vendorEventID != nil {
		evt.VendorEventID = *vendorEventID
	}
	if failureReason != nil {
		evt.FailureReason = *failureReason
	}
	if replayOf != nil {
		evt.ReplayOf = *replayOf
	}
	evt.Payload = payload
	return &evt, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
