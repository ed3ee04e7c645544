package replica

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies an operation: the client that issued it and that client's
// counter. Seq starts at 1 and is contiguous per client. The zero ID names
// the document head.
type ID struct {
	Client string `json:"client"`
	Seq    uint64 `json:"seq"`
}

func (id ID) IsZero() bool {
	return id.Client == "" && id.Seq == 0
}

func (id ID) String() string {
	if id.IsZero() {
		return "head"
	}
	return id.Client + "@" + strconv.FormatUint(id.Seq, 10)
}

type OpType string

const (
	OpInsert  OpType = "insert"
	OpDelete  OpType = "delete"
	OpSetAttr OpType = "set_attr"
)

// Node is one typed item of document content. Text is stored one rune per
// node of kind "text"; block and embed kinds carry their payload in Attrs.
type Node struct {
	Kind  string            `json:"kind"`
	Value string            `json:"value,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

const KindText = "text"

func (n Node) clone() Node {
	out := Node{Kind: n.Kind, Value: n.Value}
	if len(n.Attrs) > 0 {
		out.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = v
		}
	}
	return out
}

// Op is a single causally tagged mutation. Parent is the element an insert
// follows, Target the element a delete or set_attr addresses.
//
// Fields this version does not know about are kept in Extra and written back
// out on encode.
type Op struct {
	ID     ID     `json:"id"`
	Clock  uint64 `json:"clock"`
	Type   OpType `json:"type"`
	Parent ID     `json:"parent,omitzero"`
	Target ID     `json:"target,omitzero"`
	Node   *Node  `json:"node,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownOpFields = map[string]bool{
	"id": true, "clock": true, "type": true, "parent": true,
	"target": true, "node": true, "key": true, "value": true,
}

type opFields Op

func (o Op) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(opFields(o))
	if err != nil || len(o.Extra) == 0 {
		return raw, err
	}
	merged := make(map[string]json.RawMessage, len(o.Extra)+8)
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range o.Extra {
		if !knownOpFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (o *Op) UnmarshalJSON(data []byte) error {
	var fields opFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if knownOpFields[k] {
			delete(all, k)
		}
	}
	*o = Op(fields)
	o.Extra = nil
	if len(all) > 0 {
		o.Extra = all
	}
	return nil
}

func (o Op) String() string {
	switch o.Type {
	case OpInsert:
		kind := ""
		if o.Node != nil {
			kind = o.Node.Kind
		}
		return fmt.Sprintf("%s insert %s after %s", o.ID, kind, o.Parent)
	case OpDelete:
		return fmt.Sprintf("%s delete %s", o.ID, o.Target)
	case OpSetAttr:
		return fmt.Sprintf("%s set %s.%s=%q", o.ID, o.Target, o.Key, o.Value)
	}
	return fmt.Sprintf("%s %s", o.ID, o.Type)
}

// Dependency is the element that must exist before the op can take effect.
func (o Op) Dependency() ID {
	if o.Type == OpInsert {
		return o.Parent
	}
	return o.Target
}

func (o Op) validate() error {
	if o.ID.Client == "" || o.ID.Seq == 0 {
		return &ValidationError{Op: o.ID, Reason: "operation id must carry a client and a positive seq"}
	}
	switch o.Type {
	case OpInsert:
		if o.Node == nil || o.Node.Kind == "" {
			return &ValidationError{Op: o.ID, Reason: "insert requires a node kind"}
		}
		if o.Node.Kind == KindText && o.Node.Value == "" {
			return &ValidationError{Op: o.ID, Reason: "text node requires a value"}
		}
	case OpDelete:
		if o.Target.IsZero() {
			return &ValidationError{Op: o.ID, Reason: "delete requires a target"}
		}
	case OpSetAttr:
		if o.Target.IsZero() {
			return &ValidationError{Op: o.ID, Reason: "set_attr requires a target"}
		}
		if o.Key == "" {
			return &ValidationError{Op: o.ID, Reason: "set_attr requires a key"}
		}
	default:
		return &ValidationError{Op: o.ID, Reason: fmt.Sprintf("unknown operation type %q", o.Type)}
	}
	return nil
}

// StateVector maps each client to the highest seq up to which every op of
// that client has been accepted.
type StateVector map[string]uint64

func (sv StateVector) Covers(id ID) bool {
	return id.Seq <= sv[id.Client]
}

func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}
