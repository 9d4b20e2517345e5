package archive

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	dbDriver = "postgres"

	schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	stream  TEXT NOT NULL,
	key     TEXT NOT NULL,
	user_id TEXT NOT NULL,
	text    TEXT NOT NULL,
	sent_at TIMESTAMPTZ,
	PRIMARY KEY (stream, key)
);`

	insertRecord = `INSERT INTO chat_messages (stream, key, user_id, text, sent_at)
VALUES (:stream, :key, :user_id, :text, :sent_at)
ON CONFLICT (stream, key) DO NOTHING`
)

// PostgresSink keeps records in a chat_messages table. The cursor of a stream
// is its greatest stored key.
type PostgresSink struct {
	db *sqlx.DB
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sqlx.ConnectContext(ctx, dbDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgresSinkWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresSinkWithDB(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Cursor(ctx context.Context, stream string) (string, error) {
	var key string
	err := s.db.GetContext(ctx, &key, `SELECT COALESCE(MAX(key), '') FROM chat_messages WHERE stream = $1`, stream)
	return key, err
}

func (s *PostgresSink) Save(ctx context.Context, _ string, records []Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.NamedExecContext(ctx, insertRecord, records); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
