package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			alias TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			qr_code TEXT,
			plugins TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			from_jid TEXT,
			to_jid TEXT,
			type TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			sent_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(instance_id) REFERENCES instances(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			type TEXT,
			event TEXT NOT NULL,
			url TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(instance_id) REFERENCES instances(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS webhook_history (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			webhook_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			http_status INTEGER,
			response_time_ms INTEGER,
			response TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			triggered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP,
			FOREIGN KEY(instance_id) REFERENCES instances(id) ON DELETE CASCADE,
			FOREIGN KEY(webhook_id) REFERENCES webhooks(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS instance_logs (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(instance_id) REFERENCES instances(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_instance_created ON messages(instance_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_instance_peer ON messages(instance_id, from_jid, to_jid);`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_instance_event ON webhooks(instance_id, event, enabled);`,
		`CREATE INDEX IF NOT EXISTS idx_history_instance_triggered ON webhook_history(instance_id, triggered_at);`,
		`CREATE INDEX IF NOT EXISTS idx_history_status ON webhook_history(status);`,
		`CREATE INDEX IF NOT EXISTS idx_instance_logs_instance_ts ON instance_logs(instance_id, ts);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
