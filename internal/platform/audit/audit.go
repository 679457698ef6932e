// Package audit provides the append-only audit trail required for every
// state transition, orphan, stale event, and duplicate delivery. Entries are
// immutable once recorded.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a single audit record.
type Entry struct {
	ID         uuid.UUID              `json:"id"`
	ActorID    string                 `json:"actor_id"`
	Action     string                 `json:"action"`
	TargetType string                 `json:"target_type"`
	TargetID   string                 `json:"target_id"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// Well-known actor ids for non-operator sources.
const (
	ActorSystem  = "system"
	ActorWebhook = "vendor-webhook"
)

// Logger records audit entries. Implementations must be safe for concurrent
// use. Recording must never block a state transition on failure: callers log
// and continue when Record errors.
type Logger interface {
	Record(ctx context.Context, actorID, action, targetType, targetID string, details map[string]interface{}) error
}

// MemoryLogger is an in-memory Logger used in tests and development.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Record(_ context.Context, actorID, action, targetType, targetID string, details map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{
		ID:         uuid.New(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		RecordedAt: time.Now().UTC(),
	})
	return nil
}

// Entries returns a copy of all recorded entries in order.
func (l *MemoryLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ByAction returns the entries recorded under the given action.
func (l *MemoryLogger) ByAction(action string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
