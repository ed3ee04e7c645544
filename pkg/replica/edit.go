package replica

import (
	"fmt"
	"strings"
)

type EditKind int

const (
	EditInsert EditKind = iota + 1
	EditDelete
	EditSetAttr
)

// Edit is a local intent addressed by visible index, as an editor produces
// it. ApplyLocalEdit resolves it into element addressed operations.
type Edit struct {
	Kind   EditKind
	Index  int
	Nodes  []Node
	Length int
	Key    string
	Value  string
}

// InsertText inserts one text node per rune of s before the node at index.
func InsertText(index int, s string) Edit {
	nodes := make([]Node, 0, len(s))
	for _, r := range s {
		nodes = append(nodes, Node{Kind: KindText, Value: string(r)})
	}
	return Edit{Kind: EditInsert, Index: index, Nodes: nodes}
}

func InsertNode(index int, n Node) Edit {
	return Edit{Kind: EditInsert, Index: index, Nodes: []Node{n}}
}

func Delete(index, length int) Edit {
	return Edit{Kind: EditDelete, Index: index, Length: length}
}

func SetAttr(index int, key, value string) Edit {
	return Edit{Kind: EditSetAttr, Index: index, Key: key, Value: value}
}

func (e Edit) validate(size int) error {
	invalid := func(format string, args ...any) error {
		return &ValidationError{Reason: fmt.Sprintf(format, args...)}
	}
	switch e.Kind {
	case EditInsert:
		if e.Index < 0 || e.Index > size {
			return invalid("insert index %d out of range [0,%d]", e.Index, size)
		}
		if len(e.Nodes) == 0 {
			return invalid("insert carries no nodes")
		}
		for i, n := range e.Nodes {
			if n.Kind == "" || strings.ContainsAny(n.Kind, " \t\n") {
				return invalid("node %d has malformed kind %q", i, n.Kind)
			}
			if n.Kind == KindText && n.Value == "" {
				return invalid("text node %d is empty", i)
			}
			for k := range n.Attrs {
				if k == "" {
					return invalid("node %d has an empty attribute key", i)
				}
			}
		}
	case EditDelete:
		if e.Length <= 0 {
			return invalid("delete length must be positive")
		}
		if e.Index < 0 || e.Index+e.Length > size {
			return invalid("delete range [%d,%d) out of range [0,%d)", e.Index, e.Index+e.Length, size)
		}
	case EditSetAttr:
		if e.Index < 0 || e.Index >= size {
			return invalid("attribute index %d out of range [0,%d)", e.Index, size)
		}
		if e.Key == "" {
			return invalid("attribute key is empty")
		}
	default:
		return invalid("unknown edit kind %d", e.Kind)
	}
	return nil
}
