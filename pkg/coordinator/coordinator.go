// Package coordinator owns the open documents of an editor. For each one it
// creates the replica, attaches the local store and the remote session, and
// reports the document ready as soon as either provider has synced.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/astromechza/docsync/pkg/replica"
)

var (
	ErrAlreadyOpen = errors.New("document already open")
	ErrNotOpen     = errors.New("document not open")
	// ErrTornDown is returned for edits made after teardown started.
	ErrTornDown = errors.New("document torn down")
)

type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTornDown:
		return "torn-down"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Store is the local durable provider of a document.
type Store interface {
	Synced() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

// Session is the remote provider of a document.
type Session interface {
	Synced() <-chan struct{}
	Err() error
	Disconnect()
}

type (
	OpenStoreFunc   func(ctx context.Context, doc *replica.Document) (Store, error)
	OpenSessionFunc func(ctx context.Context, doc *replica.Document) (Session, error)
)

type Config struct {
	// ClientID identifies this editor; generated when empty. Every opened
	// replica issues its ops as "<ClientID>/<uuid>": its seq restarts at 1 and
	// must never name an op an earlier replica already issued.
	ClientID string
	Logger   *slog.Logger
	// OpenStore and OpenSession attach the providers. Either may be nil.
	OpenStore   OpenStoreFunc
	OpenSession OpenSessionFunc
	// OnReady is called once per opened document when it becomes ready.
	OnReady func(name string)
}

type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	open map[string]*Handle
}

func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	return &Coordinator{
		cfg:  cfg,
		log:  cfg.Logger.With("client", cfg.ClientID),
		open: make(map[string]*Handle),
	}
}

func (c *Coordinator) ClientID() string { return c.cfg.ClientID }

func (c *Coordinator) replicaID() string {
	return c.cfg.ClientID + "/" + uuid.NewString()
}

// OpenDocument creates a fresh replica of the named document and starts both
// providers on it. The returned handle's Ready channel is closed once either
// provider reports synced.
func (c *Coordinator) OpenDocument(ctx context.Context, name string) (*Handle, error) {
	if name == "" {
		return nil, errors.New("document name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, name)
	}

	h := &Handle{
		name:    name,
		doc:     replica.New(name, c.replicaID()),
		log:     c.log.With("document", name),
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
		onReady: c.cfg.OnReady,
	}
	h.state.Store(int32(StateInitializing))

	if c.cfg.OpenStore != nil {
		s, err := c.cfg.OpenStore(ctx, h.doc)
		if err != nil {
			h.doc.Release()
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		h.store = s
	}
	if c.cfg.OpenSession != nil {
		s, err := c.cfg.OpenSession(ctx, h.doc)
		if err != nil {
			_ = h.teardown(ctx)
			return nil, fmt.Errorf("failed to open session: %w", err)
		}
		h.session = s
	}

	switch {
	case h.store == nil && h.session == nil:
		h.markReady("none")
	default:
		if h.store != nil {
			go h.watch(h.store.Synced(), "localstore")
		}
		if h.session != nil {
			go h.watch(h.session.Synced(), "session")
		}
	}
	c.open[name] = h
	h.log.Info("opened document")
	return h, nil
}

// Get returns the handle of an open document.
func (c *Coordinator) Get(name string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.open[name]
	return h, ok
}

// Documents lists the open document names.
func (c *Coordinator) Documents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.open))
	for name := range c.open {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CloseDocument tears the named document down. A later OpenDocument creates
// a new instance.
func (c *Coordinator) CloseDocument(ctx context.Context, name string) error {
	c.mu.Lock()
	h, ok := c.open[name]
	delete(c.open, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, name)
	}
	return h.teardown(ctx)
}

// Close tears down every open document.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	handles := c.open
	c.open = make(map[string]*Handle)
	c.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.teardown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// Handle is one open document.
type Handle struct {
	name    string
	doc     *replica.Document
	store   Store
	session Session
	log     *slog.Logger
	onReady func(string)

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

func (h *Handle) Name() string { return h.name }

// Document exposes the replica for reading. Edits go through ApplyLocalEdit.
func (h *Handle) Document() *replica.Document { return h.doc }

// Ready is closed the first time a provider reports synced.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) ApplyLocalEdit(e replica.Edit) ([]replica.Op, error) {
	if h.State() == StateTornDown {
		return nil, ErrTornDown
	}
	ops, err := h.doc.ApplyLocalEdit(e)
	if errors.Is(err, replica.ErrSealed) || errors.Is(err, replica.ErrReleased) {
		return nil, ErrTornDown
	}
	return ops, err
}

func (h *Handle) watch(synced <-chan struct{}, provider string) {
	select {
	case <-synced:
		h.markReady(provider)
	case <-h.stop:
	}
}

func (h *Handle) markReady(provider string) {
	h.readyOnce.Do(func() {
		if !h.state.CompareAndSwap(int32(StateInitializing), int32(StateReady)) {
			return
		}
		close(h.ready)
		h.log.Info("document ready", "via", provider)
		if h.onReady != nil {
			h.onReady(h.name)
		}
	})
}

// Status is a point in time view of a document and its providers.
type Status struct {
	Document string
	State    State
	// StoreErr is set when the store runs memory-only or failed permanently.
	StoreErr error
	// SessionErr is set when the session failed permanently.
	SessionErr error
}

func (h *Handle) Status() Status {
	st := Status{Document: h.name, State: h.State()}
	if h.store != nil {
		st.StoreErr = h.store.Err()
	}
	if h.session != nil {
		st.SessionErr = h.session.Err()
	}
	return st
}

// teardown stops local edits, disconnects the session, closes the store and
// releases the replica, in that order.
func (h *Handle) teardown(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		h.state.Store(int32(StateTornDown))
		close(h.stop)
		h.doc.Seal()
		if h.session != nil {
			h.session.Disconnect()
		}
		if h.store != nil {
			if cerr := h.store.Close(ctx); cerr != nil {
				err = fmt.Errorf("failed to close local store: %w", cerr)
			}
		}
		h.doc.Release()
		h.log.Info("closed document")
	})
	return err
}
