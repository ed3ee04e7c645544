package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/astromechza/docsync/pkg/bus"
	"github.com/astromechza/docsync/pkg/replica"
	"github.com/astromechza/docsync/pkg/wire"
)

const (
	originPeer = "peer"
	originBus  = "bus"
	originLog  = "oplog"
)

// room is one loaded document and the peers connected to it.
type room struct {
	srv  *Server
	name string
	doc  *replica.Document
	log  *slog.Logger

	// guarded by srv.mu
	refs int
	idle *time.Timer

	mu          sync.Mutex
	peers       map[*peer]struct{}
	presence    map[string]json.RawMessage
	unsubscribe func()

	// logMu serialises op log appends and guards the fields below.
	logMu    sync.Mutex
	logged   loggedVector
	unlogged []replica.Op
}

func (s *Server) openRoom(ctx context.Context, name string) (*room, error) {
	ops, err := s.cfg.Log.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load op log: %w", err)
	}
	rm := &room{
		srv:      s,
		name:     name,
		doc:      replica.New(name, s.cfg.Instance),
		log:      s.log.With("document", name),
		peers:    make(map[*peer]struct{}),
		presence: make(map[string]json.RawMessage),
		logged:   newLoggedVector(),
	}
	for _, op := range ops {
		if _, err := rm.doc.ApplyRemoteOp(op, originLog); err != nil {
			rm.log.Warn("skipping invalid logged operation", "op", op.ID, "err", err)
			continue
		}
		rm.logged.add(op.ID)
	}
	if s.cfg.Bus != nil {
		cancel, err := s.cfg.Bus.Subscribe(s.ctx, name, rm.onBus)
		if err != nil {
			rm.doc.Release()
			return nil, fmt.Errorf("failed to subscribe to bus: %w", err)
		}
		rm.unsubscribe = cancel
	}
	rm.log.Info("loaded room", "ops", len(ops))
	return rm, nil
}

func (rm *room) join(p *peer) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.peers[p] = struct{}{}
	rm.log.Info("peer joined", "peers", len(rm.peers))
}

func (rm *room) leave(p *peer) {
	rm.mu.Lock()
	delete(rm.peers, p)
	left := p.client != ""
	for other := range rm.peers {
		if other.client == p.client {
			left = false
		}
	}
	var gone *wire.Awareness
	if left {
		delete(rm.presence, p.client)
		gone = &wire.Awareness{Client: p.client}
		rm.broadcast(nil, gone)
	}
	rm.log.Info("peer left", "peers", len(rm.peers))
	rm.mu.Unlock()
	if gone != nil {
		rm.publish(bus.Message{Client: gone.Client})
	}
}

// release drops one reference taken by acquire and, when it was the last,
// schedules the room for eviction.
func (rm *room) release(p *peer) {
	if p != nil {
		rm.leave(p)
	}
	s := rm.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.wg.Done()
	rm.refs--
	if rm.refs == 0 && !s.closed {
		rm.idle = time.AfterFunc(s.cfg.IdleTimeout, func() { s.evict(rm) })
	}
}

func (rm *room) stopIdle() {
	if rm.idle != nil {
		rm.idle.Stop()
		rm.idle = nil
	}
}

func (rm *room) peerCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.peers)
}

// broadcast sends msg to every peer except one. Callers hold rm.mu.
func (rm *room) broadcast(except *peer, msg any) {
	frame, err := wire.Encode(msg)
	if err != nil {
		rm.log.Error("failed to encode broadcast", "err", err)
		return
	}
	for p := range rm.peers {
		if p != except {
			p.enqueue(frame)
		}
	}
}

// merge applies ops and returns those that were new plus every valid one,
// new or already known.
func (rm *room) merge(ops []replica.Op, origin string) (accepted, valid []replica.Op, invalid error) {
	for _, op := range ops {
		ok, err := rm.doc.ApplyRemoteOp(op, origin)
		if err != nil {
			invalid = err
			continue
		}
		valid = append(valid, op)
		if ok {
			accepted = append(accepted, op)
		}
	}
	return accepted, valid, invalid
}

// persist appends every op not yet in the op log: the ones left over from a
// failed append first, then ops. It returns what it wrote and the state
// vector of the log afterwards. On failure the batch is kept for the next
// call and the returned vector does not cover it.
func (rm *room) persist(ops []replica.Op) ([]replica.Op, replica.StateVector, error) {
	rm.logMu.Lock()
	defer rm.logMu.Unlock()
	batch := make([]replica.Op, 0, len(rm.unlogged)+len(ops))
	queued := make(map[replica.ID]struct{}, cap(batch))
	for _, list := range [][]replica.Op{rm.unlogged, ops} {
		for _, op := range list {
			if _, ok := queued[op.ID]; ok || rm.logged.covers(op.ID) {
				continue
			}
			queued[op.ID] = struct{}{}
			batch = append(batch, op)
		}
	}
	if len(batch) == 0 {
		return nil, rm.logged.vector(), nil
	}

	write := func() error { return rm.srv.cfg.Log.Append(rm.srv.ctx, rm.name, batch) }
	b := backoff.WithContext(rm.srv.cfg.NewBackOff(), rm.srv.ctx)
	if err := backoff.RetryNotify(write, b, func(err error, next time.Duration) {
		rm.log.Warn("op log append failed, retrying", "ops", len(batch), "in", next, "err", err)
	}); err != nil {
		rm.unlogged = batch
		return nil, rm.logged.vector(), err
	}
	rm.unlogged = nil
	for _, op := range batch {
		rm.logged.add(op.ID)
	}
	return batch, rm.logged.vector(), nil
}

// loggedVector returns the state vector of the op log.
func (rm *room) loggedVector() replica.StateVector {
	rm.logMu.Lock()
	defer rm.logMu.Unlock()
	return rm.logged.vector()
}

func (rm *room) publish(msg bus.Message) {
	if rm.srv.cfg.Bus == nil {
		return
	}
	msg.Document = rm.name
	msg.Instance = rm.srv.cfg.Instance
	if err := rm.srv.cfg.Bus.Publish(rm.srv.ctx, msg); err != nil {
		rm.log.Warn("failed to publish to bus", "err", err)
	}
}

// onSyncRequest answers with the ops the peer lacks and the op log's state
// vector, so the peer resends whatever the authority holds only in memory.
func (rm *room) onSyncRequest(p *peer, m *wire.SyncRequest) {
	p.send(&wire.SyncResponse{Ops: rm.doc.OpsSince(m.StateVector), StateVector: rm.loggedVector()})
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for client, state := range rm.presence {
		if client != p.client {
			p.send(&wire.Awareness{Client: client, State: state})
		}
	}
}

// onUpdate merges a peer's ops, relays the new ones and acknowledges with the
// op log's state vector, which only covers ops that were written.
func (rm *room) onUpdate(p *peer, m *wire.Update) {
	rm.mu.Lock()
	accepted, valid, invalid := rm.merge(m.Ops, originPeer)
	if len(accepted) > 0 {
		rm.broadcast(p, &wire.Update{Ops: accepted})
	}
	rm.mu.Unlock()

	if invalid != nil {
		p.log.Warn("peer sent an invalid operation", "err", invalid)
		p.send(&wire.Error{Code: wire.CodeBadFrame, Message: invalid.Error()})
	}
	written, logged, err := rm.persist(valid)
	if err != nil {
		// without an ack the client keeps the ops and resends them
		rm.log.Error("failed to persist operations", "ops", len(valid), "err", err)
		p.send(&wire.Error{Code: wire.CodeUnavailable, Message: "failed to persist operations"})
		return
	}
	if len(written) > 0 {
		rm.publish(bus.Message{Ops: written})
	}
	p.send(&wire.Ack{StateVector: logged})
}

func (rm *room) onAwareness(p *peer, m *wire.Awareness) {
	if m.Client == "" {
		return
	}
	rm.mu.Lock()
	p.client = m.Client
	if m.State == nil {
		delete(rm.presence, m.Client)
	} else {
		rm.presence[m.Client] = m.State
	}
	rm.broadcast(p, m)
	rm.mu.Unlock()
	rm.publish(bus.Message{Client: m.Client, Awareness: m.State})
}

func (rm *room) onBus(msg bus.Message) {
	if msg.Instance == rm.srv.cfg.Instance {
		return
	}
	if len(msg.Ops) > 0 {
		rm.mu.Lock()
		accepted, _, invalid := rm.merge(msg.Ops, originBus)
		if len(accepted) > 0 {
			rm.broadcast(nil, &wire.Update{Ops: accepted})
		}
		rm.mu.Unlock()
		if invalid != nil {
			rm.log.Warn("bus carried an invalid operation", "from", msg.Instance, "err", invalid)
		}
		if len(accepted) > 0 {
			if _, _, err := rm.persist(accepted); err != nil {
				rm.log.Error("failed to persist relayed operations", "err", err)
			}
		}
	}
	if msg.Client != "" {
		rm.mu.Lock()
		if msg.Awareness == nil {
			delete(rm.presence, msg.Client)
		} else {
			rm.presence[msg.Client] = msg.Awareness
		}
		rm.broadcast(nil, &wire.Awareness{Client: msg.Client, State: msg.Awareness})
		rm.mu.Unlock()
	}
}

func (rm *room) close() {
	if rm.unsubscribe != nil {
		rm.unsubscribe()
	}
	rm.mu.Lock()
	for p := range rm.peers {
		p.close()
	}
	rm.mu.Unlock()
	rm.doc.Release()
}
