package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/docsync/pkg/wire"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// connection is the state of one websocket between a session and the
// authority.
type connection struct {
	s     *Session
	conn  *websocket.Conn
	wmu   sync.Mutex
	ready chan struct{}
	once  sync.Once

	synced atomic.Bool
	errMu  sync.Mutex
	err    error
}

func (c *connection) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *connection) write(msg any) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return &TransientNetworkError{Op: "write message", Err: err}
	}
	return nil
}

func (c *connection) readAndReceiveMessage() error {
	mt, p, err := c.conn.ReadMessage()
	if err != nil {
		return &TransientNetworkError{Op: "read message", Err: err}
	}
	if mt != websocket.BinaryMessage {
		return nil
	}
	t, msg, err := wire.Decode(p)
	if err != nil {
		c.s.log.Warn("skipping undecodable frame", "err", err)
		return nil
	}
	switch m := msg.(type) {
	case nil:
		c.s.log.Debug("skipping unknown frame", "type", t)
	case *wire.SyncResponse:
		c.s.onSyncResponse(m)
		c.synced.Store(true)
		c.once.Do(func() { close(c.ready) })
	case *wire.Update:
		c.s.onUpdate(m)
	case *wire.Ack:
		c.s.onAck(m)
	case *wire.Awareness:
		c.s.onAwareness(m)
	case *wire.Error:
		if m.Fatal {
			return &ProtocolError{Code: m.Code, Message: m.Message}
		}
		c.s.log.Warn("authority reported an error", "code", m.Code, "message", m.Message)
	default:
		c.s.log.Debug("ignoring unexpected frame", "type", t)
	}
	return nil
}

// generateAndWriteMessages sends the due presence update and every pending
// batch of ops.
func (c *connection) generateAndWriteMessages() error {
	presence, batches := c.s.nextFrames()
	if presence != nil {
		if err := c.write(presence); err != nil {
			return err
		}
	}
	for _, batch := range batches {
		if err := c.write(&wire.Update{Ops: batch}); err != nil {
			return err
		}
	}
	return nil
}

// serve runs the exchange on an established connection: a sync request
// first, then a reader and a writer until either fails or the session is
// disconnected. Local ops are only written once the initial exchange is done.
func (s *Session) serve(conn *websocket.Conn) (bool, error) {
	c := &connection{s: s, conn: conn, ready: make(chan struct{})}
	if err := c.write(&wire.SyncRequest{StateVector: s.cfg.Doc.StateVector()}); err != nil {
		_ = conn.Close()
		return false, err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			if err := c.readAndReceiveMessage(); err != nil {
				c.setErr(err)
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		select {
		case <-c.ready:
		case <-ctx.Done():
			return
		}
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			if err := c.generateAndWriteMessages(); err != nil {
				c.setErr(err)
				return
			}
			select {
			case <-s.wake:
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					c.setErr(&TransientNetworkError{Op: "ping", Err: err})
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	if s.ctx.Err() != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = conn.Close()
	wg.Wait()

	c.errMu.Lock()
	err := c.err
	c.errMu.Unlock()
	if err == nil {
		err = errors.New("connection closed")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) && s.ctx.Err() == nil {
		err = fmt.Errorf("connection ended: %w", err)
	}
	return c.synced.Load(), err
}
