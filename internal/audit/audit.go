// Package audit records terminal speech events (granted, completed,
// timed out, disconnected) for offline diagnostics. It never participates
// in arbitration and is never read back by the coordinator — queue and
// speaker state are never persisted. A write failure here is logged and
// otherwise ignored.
package audit

import (
	"context"
	"strings"
	"time"
)

// Event is a single terminal speech-lifecycle record.
type Event struct {
	ID        string
	AgentID   string
	AgentName string
	RequestID string
	Kind      string // granted, completed, timed_out, disconnected
	Detail    string
	At        time.Time
}

// Store persists terminal speech events for diagnostics.
type Store interface {
	RecordEvent(ctx context.Context, ev Event) error
	Close() error
}

// NewStore returns a Postgres-backed store when databaseURL is set,
// otherwise an in-memory ring buffer.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(256), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
