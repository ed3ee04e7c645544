package replica

import (
	"encoding/json"
	"fmt"
)

// Snapshot is an immutable copy of a replica: its visible content plus the
// full history needed to rebuild or merge it elsewhere.
type Snapshot struct {
	Name        string      `json:"name"`
	Nodes       []Node      `json:"nodes"`
	History     []Op        `json:"history"`
	StateVector StateVector `json:"stateVector"`
}

func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	history := make([]Op, len(d.history))
	for i, op := range d.history {
		if op.Node != nil {
			n := op.Node.clone()
			op.Node = &n
		}
		history[i] = op
	}
	return Snapshot{
		Name:        d.name,
		Nodes:       d.nodes(),
		History:     history,
		StateVector: d.contiguous.Clone(),
	}
}

func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

// FromSnapshot rebuilds a replica for client from a snapshot's history.
func FromSnapshot(s Snapshot, client string) (*Document, error) {
	d := New(s.Name, client)
	if _, err := d.Merge(s, "snapshot"); err != nil {
		return nil, fmt.Errorf("failed to replay snapshot: %w", err)
	}
	return d, nil
}
