package oplog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/astromechza/docsync/pkg/replica"
)

func sampleOps(t *testing.T) []replica.Op {
	t.Helper()
	doc := replica.New("doc", "a")
	ops, err := doc.ApplyLocalEdit(replica.InsertText(0, "hi"))
	if err != nil {
		t.Fatal(err)
	}
	ops[0].Extra = map[string]json.RawMessage{"mark": json.RawMessage(`"bold"`)}
	return ops
}

func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	ops := sampleOps(t)
	if err := s.Append(ctx, "doc", ops[:1]); err != nil {
		t.Fatal(err)
	}
	// the first op again plus the second
	if err := s.Append(ctx, "doc", ops); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ops, got); diff != "" {
		t.Fatalf("loaded (-want +got):\n%s", diff)
	}
	other, err := s.Load(ctx, "other")
	if err != nil || len(other) != 0 {
		t.Fatalf("other document: %v %v", other, err)
	}
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory())
}

func TestSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.sqlite3")
	s, err := Open(context.Background(), "sqlite://"+path)
	if err != nil {
		t.Fatal(err)
	}
	exercise(t, s)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.Load(context.Background(), "doc")
	if err != nil || len(got) != 2 {
		t.Fatalf("after reopen: %d ops, %v", len(got), err)
	}
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("DOCSYNC_TEST_POSTGRES")
	if url == "" {
		t.Skip("DOCSYNC_TEST_POSTGRES not set")
	}
	s, err := Open(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.(*Postgres).pool.Exec(context.Background(), `DELETE FROM ops WHERE document IN ('doc', 'other')`); err != nil {
		t.Fatal(err)
	}
	exercise(t, s)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "mysql://x"); err == nil {
		t.Fatal("expected error")
	}
}
