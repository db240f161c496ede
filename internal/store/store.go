package store

import (
	"context"

	"stylebench/internal/domain"
)

// DefaultEventLimit applies when ListEvents is called with limit <= 0.
const DefaultEventLimit = 20

// KV is the durable key/value contract the session manager persists to.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetAll(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// Store defines the runtime persistence contract used by the harness.
type Store interface {
	KV

	AppendEvent(ctx context.Context, eventType domain.EventType, sessionID string, payload map[string]interface{}) (domain.Event, error)
	ListEvents(ctx context.Context, limit int) ([]domain.Event, error)

	Close() error
}
