package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/astromechza/docsync/pkg/localstore"
	"github.com/astromechza/docsync/pkg/replica"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeProvider struct {
	t      *testing.T
	doc    *replica.Document
	rec    *recorder
	synced chan struct{}
	err    error
}

func (p *fakeProvider) Synced() <-chan struct{} { return p.synced }
func (p *fakeProvider) Err() error              { return p.err }

func (p *fakeProvider) Disconnect() {
	if _, err := p.doc.ApplyLocalEdit(replica.InsertText(0, "late")); !errors.Is(err, replica.ErrSealed) {
		p.t.Errorf("local edit during disconnect: %v", err)
	}
	p.rec.add("session.disconnect")
}

func (p *fakeProvider) Close(context.Context) error {
	if _, err := p.doc.ApplyRemoteOp(replica.Op{ID: replica.ID{Client: "z", Seq: 1}, Clock: 1, Type: replica.OpInsert, Node: &replica.Node{Kind: replica.KindText, Value: "z"}}, "test"); err != nil {
		p.t.Errorf("replica released before the store closed: %v", err)
	}
	p.rec.add("store.close")
	return nil
}

type fakes struct {
	rec     *recorder
	store   *fakeProvider
	session *fakeProvider
}

func newFakeCoordinator(t *testing.T, onReady func(string)) (*Coordinator, *fakes) {
	f := &fakes{rec: &recorder{}}
	c := New(Config{
		ClientID: "a",
		OnReady:  onReady,
		OpenStore: func(_ context.Context, doc *replica.Document) (Store, error) {
			f.store = &fakeProvider{t: t, doc: doc, rec: f.rec, synced: make(chan struct{})}
			return f.store, nil
		},
		OpenSession: func(_ context.Context, doc *replica.Document) (Session, error) {
			f.session = &fakeProvider{t: t, doc: doc, rec: f.rec, synced: make(chan struct{})}
			return f.session, nil
		},
	})
	return c, f
}

func waitReady(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("document never became ready")
	}
}

func TestReadyFiresOnceWhenBothProvidersSync(t *testing.T) {
	var fired atomic.Int32
	c, f := newFakeCoordinator(t, func(string) { fired.Add(1) })
	h, err := c.OpenDocument(context.Background(), "doc")
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != StateInitializing {
		t.Fatalf("state = %s", h.State())
	}
	close(f.session.synced)
	waitReady(t, h)
	close(f.store.synced)
	time.Sleep(20 * time.Millisecond)

	if fired.Load() != 1 || h.State() != StateReady {
		t.Fatalf("ready fired %d times, state %s", fired.Load(), h.State())
	}
}

func TestTeardownOrder(t *testing.T) {
	c, f := newFakeCoordinator(t, nil)
	ctx := context.Background()
	h, err := c.OpenDocument(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	close(f.store.synced)
	waitReady(t, h)

	if err := c.CloseDocument(ctx, "doc"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"session.disconnect", "store.close"}, f.rec.list()); diff != "" {
		t.Fatalf("teardown (-want +got):\n%s", diff)
	}
	if h.State() != StateTornDown {
		t.Fatalf("state = %s", h.State())
	}
	if _, err := h.ApplyLocalEdit(replica.InsertText(0, "x")); !errors.Is(err, ErrTornDown) {
		t.Fatalf("edit after teardown: %v", err)
	}
	if _, err := h.Document().ApplyRemoteOp(replica.Op{ID: replica.ID{Client: "y", Seq: 1}, Clock: 1, Type: replica.OpInsert, Node: &replica.Node{Kind: replica.KindText, Value: "y"}}, "test"); !errors.Is(err, replica.ErrReleased) {
		t.Fatalf("merge after release: %v", err)
	}
	if err := c.CloseDocument(ctx, "doc"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("second close: %v", err)
	}
}

func TestTeardownBeforeReady(t *testing.T) {
	var fired atomic.Int32
	c, f := newFakeCoordinator(t, func(string) { fired.Add(1) })
	h, err := c.OpenDocument(context.Background(), "doc")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(f.store.synced)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-h.Ready():
		t.Fatal("ready entered after teardown")
	default:
	}
	if fired.Load() != 0 {
		t.Fatal("ready callback fired after teardown")
	}
}

func TestReopenCreatesNewInstance(t *testing.T) {
	c, _ := newFakeCoordinator(t, nil)
	ctx := context.Background()
	first, err := c.OpenDocument(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.OpenDocument(ctx, "doc"); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("double open: %v", err)
	}
	if err := c.CloseDocument(ctx, "doc"); err != nil {
		t.Fatal(err)
	}
	second, err := c.OpenDocument(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if first == second || first.Document() == second.Document() {
		t.Fatal("reopen reused the torn down instance")
	}
	if second.State() != StateInitializing {
		t.Fatalf("state = %s", second.State())
	}
	if diff := cmp.Diff([]string{"doc"}, c.Documents()); diff != "" {
		t.Fatalf("documents (-want +got):\n%s", diff)
	}
}

func TestWithoutProvidersIsReadyImmediately(t *testing.T) {
	c := New(Config{})
	h, err := c.OpenDocument(context.Background(), "scratch")
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, h)
	if c.ClientID() == "" {
		t.Fatal("no client id generated")
	}
}

func TestLocalStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c := New(Config{ClientID: "a", OpenStore: LocalStore(dir, nil)})

	h, err := c.OpenDocument(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}
	waitReady(t, h)
	if _, err := h.ApplyLocalEdit(replica.InsertText(0, "kept offline")); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseDocument(ctx, "notes"); err != nil {
		t.Fatal(err)
	}

	h, err = c.OpenDocument(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(ctx)
	waitReady(t, h)
	if got := h.Document().Text(); got != "kept offline" {
		t.Fatalf("text = %q", got)
	}
	if err := h.Status().Fatal(); err != nil {
		t.Fatal(err)
	}
}

func TestDegradedStoreIsNotFatal(t *testing.T) {
	ctx := context.Background()
	c := New(Config{ClientID: "a", OpenStore: LocalStore("", nil)})
	h, err := c.OpenDocument(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(ctx)
	waitReady(t, h)
	st := h.Status()
	if !errors.Is(st.StoreErr, localstore.ErrPersistenceDegraded) || st.Fatal() != nil {
		t.Fatalf("status = %+v", st)
	}
}

func TestReopenedReplicaNeverReusesOpIDs(t *testing.T) {
	ctx := context.Background()
	// degraded store: ready at once, nothing replayed before the first edit
	c := New(Config{ClientID: "a", OpenStore: LocalStore("", nil)})
	authority := replica.New("doc", "authority")

	edit := func(text string) *replica.Document {
		t.Helper()
		h, err := c.OpenDocument(ctx, "doc")
		if err != nil {
			t.Fatal(err)
		}
		waitReady(t, h)
		if !strings.HasPrefix(h.Document().Client(), "a/") {
			t.Fatalf("replica client %q does not carry the editor id", h.Document().Client())
		}
		ops, err := h.ApplyLocalEdit(replica.InsertText(0, text))
		if err != nil {
			t.Fatal(err)
		}
		for _, op := range ops {
			if ok, err := authority.ApplyRemoteOp(op, "peer"); err != nil || !ok {
				t.Fatalf("authority refused %s: %v %v", op.ID, ok, err)
			}
		}
		return h.Document()
	}

	first := edit("old")
	firstClient := first.Client()
	if err := c.CloseDocument(ctx, "doc"); err != nil {
		t.Fatal(err)
	}
	fresh := edit("NEW")
	defer c.Close(ctx)
	if fresh.Client() == firstClient {
		t.Fatal("reopened replica reused the previous op issuer")
	}
	for _, op := range authority.OpsSince(fresh.StateVector()) {
		if _, err := fresh.ApplyRemoteOp(op, "remote"); err != nil {
			t.Fatal(err)
		}
	}
	if fresh.Text() != authority.Text() || len(fresh.Text()) != 6 {
		t.Fatalf("diverged: client %q authority %q", fresh.Text(), authority.Text())
	}
}

func TestFailedStoreIsFatal(t *testing.T) {
	c, f := newFakeCoordinator(t, nil)
	ctx := context.Background()
	h, err := c.OpenDocument(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(ctx)
	close(f.store.synced)
	waitReady(t, h)
	if err := h.Status().Fatal(); err != nil {
		t.Fatalf("healthy status reported %v", err)
	}

	diskGone := errors.New("disk gone")
	f.store.err = fmt.Errorf("failed to append to local log: %w", diskGone)
	if err := h.Status().Fatal(); !errors.Is(err, diskGone) {
		t.Fatalf("fatal = %v", err)
	}
}
