// Package authority is the collaboration endpoint every client synchronises
// through. It keeps one authoritative replica per open document, persists
// accepted operations to an op log and fans them out to the other peers.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/docsync/pkg/bus"
	"github.com/astromechza/docsync/pkg/oplog"
	"github.com/astromechza/docsync/pkg/replica"
	"github.com/astromechza/docsync/pkg/wire"
)

var ErrUnauthorized = errors.New("invalid credential")

// Authenticator checks the bearer credential presented for a document.
type Authenticator func(ctx context.Context, document, token string) error

// AnyToken accepts every non-empty credential.
func AnyToken(_ context.Context, _ string, token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	return nil
}

// StaticTokens accepts only the listed credentials.
func StaticTokens(tokens ...string) Authenticator {
	return func(_ context.Context, _ string, token string) error {
		if token == "" || !slices.Contains(tokens, token) {
			return ErrUnauthorized
		}
		return nil
	}
}

type Config struct {
	// Instance names this authority on the bus and in the ops it never
	// issues itself. Generated when empty.
	Instance     string
	Log          oplog.Store
	Bus          bus.Bus
	Authenticate Authenticator
	// IdleTimeout is how long a room without peers stays loaded.
	IdleTimeout time.Duration
	// NewBackOff returns the retry policy for an op log append. Ops that still
	// fail are retried with the next append and are not acknowledged before.
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Instance == "" {
		cfg.Instance = "authority-" + uuid.NewString()[:8]
	}
	if cfg.Log == nil {
		cfg.Log = oplog.NewMemory()
	}
	if cfg.Authenticate == nil {
		cfg.Authenticate = AnyToken
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		}
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With("instance", cfg.Instance),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = mux.NewRouter().UseEncodedPath()
	s.router.Methods(http.MethodGet).Path(wire.CollabPath + "{document}").HandlerFunc(s.syncDocument)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) syncDocument(writer http.ResponseWriter, request *http.Request) {
	name, err := url.PathUnescape(mux.Vars(request)["document"])
	if err != nil || name == "" {
		http.Error(writer, "invalid document name", http.StatusBadRequest)
		return
	}
	if v := request.Header.Get(wire.ProtocolHeader); v != wire.ProtocolVersion {
		s.log.Warn("refusing protocol version", "document", name, "version", v)
		http.Error(writer, fmt.Sprintf("protocol version %s required", wire.ProtocolVersion), http.StatusUpgradeRequired)
		return
	}
	if err := s.cfg.Authenticate(request.Context(), name, bearer(request)); err != nil {
		s.log.Warn("refusing credential", "document", name, "err", err)
		http.Error(writer, "unauthorized", http.StatusUnauthorized)
		return
	}

	rm, err := s.acquire(request.Context(), name)
	if err != nil {
		s.log.Error("failed to open room", "document", name, "err", err)
		http.Error(writer, "failed to open document", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "err", err)
		rm.release(nil)
		return
	}
	p := newPeer(conn, rm, s.log.With("document", name, "remote", request.RemoteAddr))
	rm.join(p)
	p.run(s.ctx)
	rm.release(p)
}

// acquire returns the loaded room for a document, loading it from the op log
// if needed. Every acquire is paired with a release.
func (s *Server) acquire(ctx context.Context, name string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("authority closed")
	}
	rm, ok := s.rooms[name]
	if !ok {
		var err error
		if rm, err = s.openRoom(ctx, name); err != nil {
			return nil, err
		}
		s.rooms[name] = rm
	}
	rm.refs++
	rm.stopIdle()
	s.wg.Add(1)
	return rm, nil
}

func (s *Server) evict(rm *room) {
	s.mu.Lock()
	if s.rooms[rm.name] != rm || rm.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, rm.name)
	s.mu.Unlock()
	rm.close()
	s.log.Info("evicted idle room", "document", rm.name)
}

// Rooms returns the loaded documents and their peer counts.
func (s *Server) Rooms() map[string]int {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()
	out := make(map[string]int, len(rooms))
	for _, rm := range rooms {
		out[rm.name] = rm.peerCount()
	}
	return out
}

// Snapshot returns the current content of a document, loading it from the
// op log when no room holds it.
func (s *Server) Snapshot(ctx context.Context, name string) (replica.Snapshot, error) {
	s.mu.Lock()
	rm, ok := s.rooms[name]
	s.mu.Unlock()
	if ok {
		return rm.doc.Snapshot(), nil
	}
	ops, err := s.cfg.Log.Load(ctx, name)
	if err != nil {
		return replica.Snapshot{}, fmt.Errorf("failed to load %s: %w", name, err)
	}
	doc := replica.New(name, s.cfg.Instance)
	for _, op := range ops {
		if _, err := doc.ApplyRemoteOp(op, originLog); err != nil {
			s.log.Warn("skipping invalid logged operation", "document", name, "op", op.ID, "err", err)
		}
	}
	return doc.Snapshot(), nil
}

// Close disconnects every peer and unloads every room.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	rooms := s.rooms
	s.rooms = make(map[string]*room)
	for _, rm := range rooms {
		rm.stopIdle()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, rm := range rooms {
		rm.close()
	}
	return nil
}
