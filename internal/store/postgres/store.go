package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"stylebench/internal/domain"
	"stylebench/internal/store"
)

const schema = `
create table if not exists session_kv (
	key        text primary key,
	value      text not null,
	updated_at timestamptz not null default now()
);
create table if not exists harness_events (
	id            uuid primary key,
	preference_id text not null default '',
	event_type    text not null,
	payload       jsonb not null default '{}'::jsonb,
	created_at    timestamptz not null
);
create index if not exists harness_events_created_at_idx on harness_events (created_at desc);
`

type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `select value from session_kv where key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return upsert(ctx, s.db, key, value)
}

func (s *Store) SetAll(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for k, v := range values {
		if err := upsert(ctx, tx, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx,
		`insert into session_kv(key, value, updated_at) values ($1, $2, now())
		 on conflict (key) do update
		 set value = excluded.value,
		     updated_at = now()`,
		key, value,
	)
	return err
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `delete from session_kv where key = any($1)`, pq.Array(keys))
	return err
}

func (s *Store) AppendEvent(ctx context.Context, eventType domain.EventType, sessionID string, payload map[string]interface{}) (domain.Event, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	event := domain.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`insert into harness_events(id, preference_id, event_type, payload, created_at)
		 values ($1, $2, $3, $4::jsonb, $5)`,
		event.ID, event.SessionID, string(event.Type), string(raw), event.CreatedAt,
	)
	if err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = store.DefaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`select id, preference_id, event_type, payload, created_at
		 from harness_events
		 order by created_at desc
		 limit $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		var event domain.Event
		var eventType string
		var raw []byte
		if err := rows.Scan(&event.ID, &event.SessionID, &eventType, &raw, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Type = domain.EventType(eventType)
		if err := json.Unmarshal(raw, &event.Payload); err != nil {
			return nil, fmt.Errorf("decode event %s payload: %w", event.ID, err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
