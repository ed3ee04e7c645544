package authority

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/docsync/pkg/wire"
)

const (
	outboxSize   = 256
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// peer is one client connection inside a room.
type peer struct {
	conn *websocket.Conn
	room *room
	log  *slog.Logger
	out  chan []byte

	// client is the presence id the peer announced; guarded by room.mu.
	client string

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, rm *room, log *slog.Logger) *peer {
	return &peer{conn: conn, room: rm, log: log, out: make(chan []byte, outboxSize), done: make(chan struct{})}
}

func (p *peer) send(msg any) {
	frame, err := wire.Encode(msg)
	if err != nil {
		p.log.Error("failed to encode frame", "err", err)
		return
	}
	p.enqueue(frame)
}

// enqueue never blocks: a peer that cannot keep up is disconnected and will
// catch up through its next sync request.
func (p *peer) enqueue(frame []byte) {
	select {
	case <-p.done:
	case p.out <- frame:
	default:
		p.log.Warn("peer too slow, disconnecting")
		p.close()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) readAndReceiveMessage() error {
	mt, raw, err := p.conn.ReadMessage()
	if err != nil {
		return err
	}
	if mt != websocket.BinaryMessage {
		return nil
	}
	t, msg, err := wire.Decode(raw)
	if err != nil {
		p.send(&wire.Error{Code: wire.CodeBadFrame, Message: err.Error()})
		return nil
	}
	switch m := msg.(type) {
	case nil:
		p.log.Debug("skipping unknown frame", "type", t)
	case *wire.SyncRequest:
		p.room.onSyncRequest(p, m)
	case *wire.Update:
		p.room.onUpdate(p, m)
	case *wire.Awareness:
		p.room.onAwareness(p, m)
	default:
		p.log.Debug("ignoring unexpected frame", "type", t)
	}
	return nil
}

// run pumps frames until the connection breaks or ctx ends.
func (p *peer) run(ctx context.Context) {
	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer p.close()
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case frame := <-p.out:
				_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					p.log.Warn("failed to write message", "err", err)
					return
				}
			case <-t.C:
				if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-ctx.Done():
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "authority shutting down")
				_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			case <-p.done:
				return
			}
		}
	}()

	for {
		if err := p.readAndReceiveMessage(); err != nil {
			p.log.Debug("peer disconnected", "err", err)
			break
		}
	}
	p.close()
	wg.Wait()
}
