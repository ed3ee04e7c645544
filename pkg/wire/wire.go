// Package wire defines the collaboration frames exchanged over an upgraded
// websocket. Every frame is a binary message: one type byte followed by a
// JSON body.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/astromechza/docsync/pkg/replica"
)

// ProtocolVersion is sent by clients in the ProtocolHeader of the upgrade
// request. The authority refuses any other value.
const ProtocolVersion = "1"

const ProtocolHeader = "X-Collab-Protocol"

// CollabPath is the path prefix documents are served under; the document
// name follows, path escaped.
const CollabPath = "/collab/"

type Type byte

const (
	TypeSyncRequest Type = iota + 1
	TypeSyncResponse
	TypeUpdate
	TypeAck
	TypeAwareness
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeSyncRequest:
		return "sync-request"
	case TypeSyncResponse:
		return "sync-response"
	case TypeUpdate:
		return "update"
	case TypeAck:
		return "ack"
	case TypeAwareness:
		return "awareness"
	case TypeError:
		return "error"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// SyncRequest opens a sync exchange with the sender's state vector.
type SyncRequest struct {
	StateVector replica.StateVector `json:"stateVector"`
}

// SyncResponse carries every op the requester lacks plus the responder's own
// state vector, so the requester can work out what to send back.
type SyncResponse struct {
	Ops         []replica.Op        `json:"ops"`
	StateVector replica.StateVector `json:"stateVector"`
}

type Update struct {
	Ops []replica.Op `json:"ops"`
}

// Ack reports the authority's state vector after it merged an update.
type Ack struct {
	StateVector replica.StateVector `json:"stateVector"`
}

// Awareness carries presence metadata for one client. A nil State means the
// client left.
type Awareness struct {
	Client string          `json:"client"`
	State  json.RawMessage `json:"state,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

const (
	CodeUnauthorized    = "unauthorized"
	CodeVersionMismatch = "version-mismatch"
	CodeBadFrame        = "bad-frame"
	CodeUnavailable     = "unavailable"
)

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var ErrEmptyFrame = errors.New("empty frame")

// Encode serialises a message into a frame. The frame type is taken from the
// message's Go type.
func Encode(msg any) ([]byte, error) {
	var t Type
	switch msg.(type) {
	case *SyncRequest:
		t = TypeSyncRequest
	case *SyncResponse:
		t = TypeSyncResponse
	case *Update:
		t = TypeUpdate
	case *Ack:
		t = TypeAck
	case *Awareness:
		t = TypeAwareness
	case *Error:
		t = TypeError
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return append([]byte{byte(t)}, body...), nil
}

// Decode parses a frame. Frames of an unknown type are returned as
// (type, nil, nil) so callers can skip them.
func Decode(frame []byte) (Type, any, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	t := Type(frame[0])
	var msg any
	switch t {
	case TypeSyncRequest:
		msg = new(SyncRequest)
	case TypeSyncResponse:
		msg = new(SyncResponse)
	case TypeUpdate:
		msg = new(Update)
	case TypeAck:
		msg = new(Ack)
	case TypeAwareness:
		msg = new(Awareness)
	case TypeError:
		msg = new(Error)
	default:
		return t, nil, nil
	}
	if err := json.Unmarshal(frame[1:], msg); err != nil {
		return t, nil, fmt.Errorf("failed to decode %s: %w", t, err)
	}
	return t, msg, nil
}
