// Package bus relays accepted operations between authority instances that
// serve the same documents.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/astromechza/docsync/pkg/replica"
)

// Message is what one instance publishes after merging ops or presence.
type Message struct {
	Document string `json:"document"`
	// Instance identifies the publisher so it can skip its own messages.
	Instance  string          `json:"instance"`
	Ops       []replica.Op    `json:"ops,omitempty"`
	Client    string          `json:"client,omitempty"`
	Awareness json.RawMessage `json:"awareness,omitempty"`
}

type Handler func(Message)

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe calls fn for every message published for document until the
	// returned cancel func is called.
	Subscribe(ctx context.Context, document string, fn Handler) (func(), error)
	Close() error
}

// Memory is an in-process bus.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]Handler)}
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[msg.Document]))
	for _, fn := range m.subs[msg.Document] {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, document string, fn Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if m.subs[document] == nil {
		m.subs[document] = make(map[int]Handler)
	}
	m.subs[document][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[document], id)
		if len(m.subs[document]) == 0 {
			delete(m.subs, document)
		}
	}, nil
}

func (m *Memory) Close() error { return nil }
