package oplog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/docsync/pkg/replica"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS ops (
		id bigserial primary key,
		document text not null,
		client text not null,
		seq bigint not null,
		body jsonb not null,
		unique (document, client, seq)
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create ops table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, document string) ([]replica.Op, error) {
	rows, err := p.pool.Query(ctx, `SELECT body FROM ops WHERE document = $1 ORDER BY id`, document)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	ops := make([]replica.Op, 0, len(bodies))
	for _, body := range bodies {
		var op replica.Op
		if err := json.Unmarshal(body, &op); err != nil {
			return nil, fmt.Errorf("failed to decode op: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (p *Postgres) Append(ctx context.Context, document string, ops []replica.Op) error {
	batch := &pgx.Batch{}
	for _, op := range ops {
		body, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode op %s: %w", op.ID, err)
		}
		batch.Queue(`INSERT INTO ops (document, client, seq, body) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			document, op.ID.Client, int64(op.ID.Seq), body)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert ops: %w", err)
		}
		return nil
	})
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
