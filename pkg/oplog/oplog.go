// Package oplog persists the authority's accepted operations per document.
package oplog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/astromechza/docsync/pkg/replica"
)

// Store is an append-only log of operations keyed by document. Appending an
// operation that is already logged is a no-op.
type Store interface {
	Load(ctx context.Context, document string) ([]replica.Op, error)
	Append(ctx context.Context, document string, ops []replica.Op) error
	Close() error
}

// Open returns the store named by dsn: "memory", "sqlite://<path>" or a
// postgres:// URL.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unsupported op log %q", dsn)
}

type Memory struct {
	mu   sync.Mutex
	docs map[string][]replica.Op
	seen map[string]map[replica.ID]struct{}
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]replica.Op), seen: make(map[string]map[replica.ID]struct{})}
}

func (m *Memory) Load(_ context.Context, document string) ([]replica.Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]replica.Op(nil), m.docs[document]...), nil
}

func (m *Memory) Append(_ context.Context, document string, ops []replica.Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.seen[document]
	if seen == nil {
		seen = make(map[replica.ID]struct{})
		m.seen[document] = seen
	}
	for _, op := range ops {
		if _, ok := seen[op.ID]; ok {
			continue
		}
		seen[op.ID] = struct{}{}
		m.docs[document] = append(m.docs[document], op)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
