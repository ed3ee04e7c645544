// Package session keeps a replica in sync with the collaboration authority
// over a long lived websocket.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/docsync/pkg/replica"
	"github.com/astromechza/docsync/pkg/wire"
)

// Origin tags operations merged from the authority.
const Origin = "remote"

type State int32

const (
	StateConnecting State = iota
	StateAwaitingInitialSync
	StateSynced
	StateResyncing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingInitialSync:
		return "awaiting-initial-sync"
	case StateSynced:
		return "synced"
	case StateResyncing:
		return "re-syncing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

type Config struct {
	// URL is the authority base, e.g. ws://localhost:3001.
	URL      string
	Document string
	Token    string
	Doc      *replica.Document

	Dialer     *websocket.Dialer
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
	// MaxBatch caps the number of ops per update frame.
	MaxBatch int

	OnStateChange func(State)
	// OnSynced runs once per connection after the initial exchange.
	OnSynced   func()
	OnPresence func(client string, state json.RawMessage)
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = 10 * time.Second
		c.Dialer = &d
	}
	if c.NewBackOff == nil {
		c.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
}

type Session struct {
	cfg Config
	log *slog.Logger

	state      atomic.Int32
	synced     chan struct{}
	syncedOnce sync.Once

	mu            sync.Mutex
	pending       []replica.Op
	inflight      []replica.Op
	presence      json.RawMessage
	presenceDirty bool
	peers         map[string]json.RawMessage
	err           error
	discard       bool

	wake        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	closeOnce   sync.Once
}

// Connect starts a session for cfg.Document. It returns immediately; the
// connection is established, and re-established, in the background.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Doc == nil {
		return nil, errors.New("session requires a document")
	}
	if cfg.Document == "" {
		return nil, errors.New("session requires a document name")
	}
	if _, err := url.Parse(cfg.URL); err != nil || cfg.URL == "" {
		return nil, fmt.Errorf("invalid authority url %q", cfg.URL)
	}
	cfg.setDefaults()
	s := &Session{
		cfg:    cfg,
		log:    cfg.Logger.With("document", cfg.Document, "provider", Origin),
		synced: make(chan struct{}),
		peers:  make(map[string]json.RawMessage),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.unsubscribe = cfg.Doc.Subscribe(s.observe)
	go s.run()
	return s, nil
}

func (s *Session) observe(op replica.Op, origin string) {
	if origin == Origin {
		return
	}
	s.mu.Lock()
	if s.discard {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, op)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) setState(next State) {
	for {
		cur := State(s.state.Load())
		if cur == next || cur.terminal() {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			s.log.Info("session state changed", "from", cur, "to", next)
			if s.cfg.OnStateChange != nil {
				s.cfg.OnStateChange(next)
			}
			return
		}
	}
}

func (s *Session) run() {
	defer close(s.done)
	b := s.cfg.NewBackOff()
	b.Reset()
	everConnected := false
	for {
		synced, err := s.connectOnce(everConnected)
		if s.ctx.Err() != nil {
			return
		}
		var perr *ProtocolError
		if errors.As(err, &perr) {
			s.fail(perr)
			return
		}
		if synced {
			everConnected = true
			b.Reset()
		}
		if everConnected {
			s.setState(StateResyncing)
		} else {
			s.setState(StateConnecting)
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			s.fail(fmt.Errorf("giving up reconnecting: %w", err))
			return
		}
		s.log.Warn("connection lost, reconnecting", "in", wait, "err", err)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("session failed", "err", err)
	s.setState(StateFailed)
}

func (s *Session) endpoint() string {
	return strings.TrimRight(s.cfg.URL, "/") + wire.CollabPath + url.PathEscape(s.cfg.Document)
}

// connectOnce runs a single connection until it breaks. synced reports
// whether the initial exchange completed on it.
func (s *Session) connectOnce(reconnect bool) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	header.Set(wire.ProtocolHeader, wire.ProtocolVersion)

	conn, resp, err := s.cfg.Dialer.DialContext(s.ctx, s.endpoint(), header)
	if err != nil {
		if resp != nil && fatalStatus(resp.StatusCode) {
			return false, &ProtocolError{Status: resp.StatusCode, Message: err.Error()}
		}
		return false, &TransientNetworkError{Op: "dial", Err: err}
	}
	if !reconnect {
		s.setState(StateAwaitingInitialSync)
	}

	defer s.requeue()
	return s.serve(conn)
}

// requeue moves unacknowledged ops back in front of the pending ones so the
// next connection resends them in their original order.
func (s *Session) requeue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discard {
		return
	}
	s.pending = append(s.inflight, s.pending...)
	s.inflight = nil
	if s.presence != nil {
		s.presenceDirty = true
	}
}

func (s *Session) onSyncResponse(msg *wire.SyncResponse) {
	applied := 0
	for _, op := range msg.Ops {
		ok, err := s.cfg.Doc.ApplyRemoteOp(op, Origin)
		if err != nil {
			s.log.Warn("dropping invalid operation from authority", "op", op.ID, "err", err)
			continue
		}
		if ok {
			applied++
		}
	}

	missing := s.cfg.Doc.OpsSince(msg.StateVector)
	s.mu.Lock()
	if s.discard {
		s.mu.Unlock()
		return
	}
	queued := make(map[replica.ID]struct{}, len(missing))
	for _, op := range missing {
		queued[op.ID] = struct{}{}
	}
	rebuilt := missing
	for _, op := range append(s.inflight, s.pending...) {
		if _, ok := queued[op.ID]; ok || msg.StateVector.Covers(op.ID) {
			continue
		}
		rebuilt = append(rebuilt, op)
	}
	s.pending = rebuilt
	s.inflight = nil
	s.mu.Unlock()

	s.log.Info("initial sync complete", "received", applied, "sending", len(rebuilt))
	s.setState(StateSynced)
	s.syncedOnce.Do(func() { close(s.synced) })
	if s.cfg.OnSynced != nil {
		s.cfg.OnSynced()
	}
	s.notify()
}

func (s *Session) onUpdate(msg *wire.Update) {
	for _, op := range msg.Ops {
		if _, err := s.cfg.Doc.ApplyRemoteOp(op, Origin); err != nil {
			s.log.Warn("dropping invalid operation from authority", "op", op.ID, "err", err)
		}
	}
}

func (s *Session) onAck(msg *wire.Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.inflight[:0]
	for _, op := range s.inflight {
		if !msg.StateVector.Covers(op.ID) {
			kept = append(kept, op)
		}
	}
	s.inflight = kept
}

func (s *Session) onAwareness(msg *wire.Awareness) {
	s.mu.Lock()
	if msg.State == nil {
		delete(s.peers, msg.Client)
	} else {
		s.peers[msg.Client] = msg.State
	}
	s.mu.Unlock()
	if s.cfg.OnPresence != nil {
		s.cfg.OnPresence(msg.Client, msg.State)
	}
}

// nextFrames takes what is due for sending: the presence update, if changed,
// and the pending ops split into batches. Taken ops become in-flight.
func (s *Session) nextFrames() (*wire.Awareness, [][]replica.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var presence *wire.Awareness
	if s.presenceDirty {
		presence = &wire.Awareness{Client: s.cfg.Doc.Client(), State: s.presence}
		s.presenceDirty = false
	}
	var batches [][]replica.Op
	for len(s.pending) > 0 {
		n := min(len(s.pending), s.cfg.MaxBatch)
		batch := append([]replica.Op(nil), s.pending[:n]...)
		s.pending = s.pending[n:]
		s.inflight = append(s.inflight, batch...)
		batches = append(batches, batch)
	}
	s.pending = nil
	return presence, batches
}

// SetPresence publishes presence metadata (user name, colour, cursor) to the
// other clients of the document.
func (s *Session) SetPresence(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	s.mu.Lock()
	s.presence = raw
	s.presenceDirty = true
	s.mu.Unlock()
	s.notify()
	return nil
}

// Peers returns the last known presence of every other client.
func (s *Session) Peers() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

// Queued is the number of local ops not yet acknowledged by the authority.
func (s *Session) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.inflight)
}

// Synced is closed after the first successful initial exchange.
func (s *Session) Synced() <-chan struct{} { return s.synced }

func (s *Session) State() State { return State(s.state.Load()) }

// Err returns the error that failed the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Disconnect tears the session down. Queued ops are discarded, reconnect
// timers are cancelled and nothing is sent once it returns.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.mu.Lock()
		s.discard = true
		s.pending = nil
		s.inflight = nil
		s.mu.Unlock()
		s.cancel()
		<-s.done
		s.setState(StateClosed)
	})
}
