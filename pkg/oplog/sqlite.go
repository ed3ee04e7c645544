package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/docsync/pkg/replica"
)

type SQLite struct {
	database *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite op log: %w", err)
	}
	s := &SQLite{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS ops (
		document text not null,
		client text not null,
		seq integer not null,
		body text not null,
		primary key (document, client, seq)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create ops table: %w", err)
	}
	slog.Info("Ensured op log tables exist")
	return nil
}

func (s *SQLite) Load(ctx context.Context, document string) ([]replica.Op, error) {
	res, err := s.database.QueryContext(ctx, `SELECT body FROM ops WHERE document = ? ORDER BY rowid`, document)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(res)
	var ops []replica.Op
	for res.Next() {
		var body string
		if err := res.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		var op replica.Op
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, fmt.Errorf("failed to decode op: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, res.Err()
}

func (s *SQLite) Append(ctx context.Context, document string, ops []replica.Op) error {
	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO ops (document, client, seq, body) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare: %w", err)
	}
	defer stmt.Close()
	for _, op := range ops {
		body, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode op %s: %w", op.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, document, op.ID.Client, op.ID.Seq, string(body)); err != nil {
			return fmt.Errorf("failed to insert op %s: %w", op.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}
