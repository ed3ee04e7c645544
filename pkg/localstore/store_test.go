package localstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	bolt "go.etcd.io/bbolt"

	"github.com/astromechza/docsync/pkg/replica"
)

func waitSynced(t *testing.T, s *Store) {
	t.Helper()
	select {
	case <-s.Synced():
	case <-time.After(5 * time.Second):
		t.Fatal("store never reported synced")
	}
}

func openStore(t *testing.T, dir string, doc *replica.Document, threshold int) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Dir: dir, Name: doc.Name(), Doc: doc, CompactThreshold: threshold, OpenTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	waitSynced(t, s)
	return s
}

func closeStore(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestReplayAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	doc := replica.New("notes/today", "a")
	s := openStore(t, dir, doc, 0)
	if s.Degraded() {
		t.Fatal("store unexpectedly degraded")
	}
	for _, e := range []replica.Edit{replica.InsertText(0, "offline"), replica.Delete(0, 3), replica.InsertText(0, "on")} {
		if _, err := doc.ApplyLocalEdit(e); err != nil {
			t.Fatal(err)
		}
	}
	closeStore(t, s)
	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}

	restored := replica.New("notes/today", "a")
	s2 := openStore(t, dir, restored, 0)
	defer closeStore(t, s2)
	if got := restored.Text(); got != "online" {
		t.Fatalf("restored text = %q", got)
	}
	if s2.State() != StateSynced {
		t.Fatalf("state = %s", s2.State())
	}
}

func TestLogPreservesIssueOrder(t *testing.T) {
	dir := t.TempDir()
	doc := replica.New("doc", "a")
	s := openStore(t, dir, doc, 0)
	for i := 0; i < 20; i++ {
		if _, err := doc.ApplyLocalEdit(replica.InsertText(i, "x")); err != nil {
			t.Fatal(err)
		}
	}
	closeStore(t, s)

	name, ops, err := ReadLog(Path(dir, "doc"))
	if err != nil {
		t.Fatal(err)
	}
	if name != "doc" {
		t.Fatalf("name = %q", name)
	}
	if len(ops) != 20 {
		t.Fatalf("logged %d ops, want 20", len(ops))
	}
	for i, op := range ops {
		if op.ID.Seq != uint64(i+1) {
			t.Fatalf("entry %d has seq %d", i, op.ID.Seq)
		}
	}
}

func TestRemoteOpsArePersistedButReplayIsNot(t *testing.T) {
	dir := t.TempDir()
	remote := replica.New("doc", "b")
	ops, err := remote.ApplyLocalEdit(replica.InsertText(0, "hey"))
	if err != nil {
		t.Fatal(err)
	}

	doc := replica.New("doc", "a")
	s := openStore(t, dir, doc, 0)
	for _, op := range ops {
		if _, err := doc.ApplyRemoteOp(op, "remote"); err != nil {
			t.Fatal(err)
		}
	}
	closeStore(t, s)

	// reopening replays three ops; none of them may be appended again
	again := replica.New("doc", "a")
	closeStore(t, openStore(t, dir, again, 0))
	_, logged, err := ReadLog(Path(dir, "doc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 3 || again.Text() != "hey" {
		t.Fatalf("logged %d ops, text %q", len(logged), again.Text())
	}
}

func TestCompaction(t *testing.T) {
	dir := t.TempDir()
	doc := replica.New("doc", "a")
	s := openStore(t, dir, doc, 3)
	for i := 0; i < 12; i++ {
		if _, err := doc.ApplyLocalEdit(replica.InsertText(i, "c")); err != nil {
			t.Fatal(err)
		}
		// give the writer a chance to append separate entries
		time.Sleep(5 * time.Millisecond)
	}
	closeStore(t, s)

	db, err := bolt.Open(Path(dir, "doc"), 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	entries := 0
	if err := db.View(func(tx *bolt.Tx) error {
		entries = tx.Bucket(opsBucket).Stats().KeyN
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	db.Close()
	if entries > 3 {
		t.Fatalf("log holds %d entries after compaction", entries)
	}

	restored := replica.New("doc", "a")
	closeStore(t, openStore(t, dir, restored, 3))
	if restored.Text() != doc.Text() {
		t.Fatalf("restored %q, want %q", restored.Text(), doc.Text())
	}
}

func TestDegradesWithoutDirectory(t *testing.T) {
	doc := replica.New("doc", "a")
	s := openStore(t, "", doc, 0)
	if !s.Degraded() || s.State() != StateSynced {
		t.Fatalf("degraded %v state %s", s.Degraded(), s.State())
	}
	if !errors.Is(s.Err(), ErrPersistenceDegraded) {
		t.Fatalf("err = %v", s.Err())
	}
	if _, err := doc.ApplyLocalEdit(replica.InsertText(0, "still editable")); err != nil {
		t.Fatal(err)
	}
	closeStore(t, s)
}

func TestDegradesOnUnusableDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := openStore(t, filepath.Join(blocker, "sub"), replica.New("doc", "a"), 0)
	defer closeStore(t, s)
	if !s.Degraded() {
		t.Fatal("expected degraded store")
	}
}

func TestDegradesWhenLocked(t *testing.T) {
	dir := t.TempDir()
	first := openStore(t, dir, replica.New("doc", "a"), 0)
	defer closeStore(t, first)

	second := openStore(t, dir, replica.New("doc", "a"), 0)
	defer closeStore(t, second)
	if !second.Degraded() {
		t.Fatal("second store on a locked file should degrade")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := openStore(t, t.TempDir(), replica.New("doc", "a"), 0)
	closeStore(t, s)
	closeStore(t, s)
}

// countingBackOff counts how often a failed append asked for another try.
type countingBackOff struct {
	backoff.BackOff
	asked *atomic.Int32
}

func (b countingBackOff) NextBackOff() time.Duration {
	b.asked.Add(1)
	return b.BackOff.NextBackOff()
}

// openFailing opens a store whose file is closed underneath it once the
// replay has finished, so every append fails.
func openFailing(t *testing.T, doc *replica.Document, policy func() backoff.BackOff) (*Store, *atomic.Int32) {
	t.Helper()
	asked := &atomic.Int32{}
	s, err := Open(context.Background(), Options{
		Dir:        t.TempDir(),
		Name:       doc.Name(),
		Doc:        doc,
		NewBackOff: func() backoff.BackOff { return countingBackOff{BackOff: policy(), asked: asked} },
	})
	if err != nil {
		t.Fatal(err)
	}
	waitSynced(t, s)
	if err := s.db.Close(); err != nil {
		t.Fatal(err)
	}
	return s, asked
}

func TestAppendFailsPermanentlyAfterRetries(t *testing.T) {
	doc := replica.New("doc", "a")
	s, asked := openFailing(t, doc, func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	})
	defer closeStore(t, s)

	if _, err := doc.ApplyLocalEdit(replica.InsertText(0, "lost")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	// two retries granted, the third request stops
	if got := asked.Load(); got != 3 {
		t.Fatalf("backoff asked %d times", got)
	}
	err := s.Err()
	if !errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, ErrPersistenceDegraded) {
		t.Fatalf("err = %v", err)
	}

	// a failed store stops collecting ops
	if _, err := doc.ApplyLocalEdit(replica.InsertText(0, "more")); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	if queued != 0 {
		t.Fatalf("failed store queued %d ops", queued)
	}
}

func TestCloseRetriesTheFailingTail(t *testing.T) {
	doc := replica.New("doc", "a")
	s, asked := openFailing(t, doc, func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	})

	if _, err := doc.ApplyLocalEdit(replica.InsertText(0, "tail")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for asked.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("append never failed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() == StateFailed || s.Err() != nil {
		t.Fatalf("store gave up while still retrying: %s %v", s.State(), s.Err())
	}

	closeStore(t, s)
	// the tail was handed to the final flush rather than dropped, which
	// attempted it once more and recorded that failure
	if err := s.Err(); !errors.Is(err, bolt.ErrDatabaseNotOpen) {
		t.Fatalf("err after close = %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
}
