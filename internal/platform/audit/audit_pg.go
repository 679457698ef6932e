package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLogger writes audit entries to the audit_log table.
type PGLogger struct {
	pool *pgxpool.Pool
}

func NewPGLogger(pool *pgxpool.Pool) *PGLogger {
	return &PGLogger{pool: pool}
}

func (l *PGLogger) Record(ctx context.Context, actorID, action, targetType, targetID string, details map[string]interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, action, target_type, target_id, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), actorID, action, targetType, targetID, detailsJSON, time.Now().UTC())
	return err
}

// Recent returns the most recent entries for a target, newest first.
func (l *PGLogger) Recent(ctx context.Context, targetType, targetID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, actor_id, action, target_type, target_id, details, recorded_at
		FROM audit_log
		WHERE target_type = $1 AND target_id = $2
		ORDER BY recorded_at DESC
		LIMIT $3`, targetType, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &detailsJSON, &e.RecordedAt); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
