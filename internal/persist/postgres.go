package persist

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/a-essam23/go-relay/internal/guard"
)

// PostgresStore persists messages and mirrors security events. The schema is
// owned by the surrounding application; this component only appends.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

var (
	_ MessageStore    = (*PostgresStore)(nil)
	_ guard.EventSink = (*PostgresStore)(nil)
)

// Append is idempotent on message id: replays hit the conflict clause.
func (s *PostgresStore) Append(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, type, content, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Type, msg.Content, msg.SentAt,
	)
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteSecurityEvent(ctx context.Context, ev guard.SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (kind, severity, source, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(ev.Kind), string(ev.Severity), ev.Source, ev.Detail, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("write security event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
