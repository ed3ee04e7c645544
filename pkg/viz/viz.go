// Package viz draws the causal graph of a document's operations: one node
// per op, one edge from the element it depends on.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/docsync/pkg/replica"
)

// Label describes an op in one line.
func Label(op replica.Op) string {
	switch op.Type {
	case replica.OpInsert:
		if op.Node != nil && op.Node.Kind == replica.KindText {
			return fmt.Sprintf("%s c%d insert %q", op.ID, op.Clock, op.Node.Value)
		}
		if op.Node != nil {
			return fmt.Sprintf("%s c%d insert <%s>", op.ID, op.Clock, op.Node.Kind)
		}
	case replica.OpDelete:
		return fmt.Sprintf("%s c%d delete %s", op.ID, op.Clock, op.Target)
	case replica.OpSetAttr:
		return fmt.Sprintf("%s c%d %s.%s=%q", op.ID, op.Clock, op.Target, op.Key, op.Value)
	}
	return fmt.Sprintf("%s c%d %s", op.ID, op.Clock, op.Type)
}

// WriteDOT writes the graph in DOT syntax.
func WriteDOT(w io.Writer, name string, ops []replica.Op) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "digraph %q {\n", name)
	fmt.Fprintf(&b, "    %q [shape=box]\n", replica.ID{}.String())
	for _, op := range ops {
		fmt.Fprintf(&b, "    %q [label=%q]\n", op.ID.String(), Label(op))
		fmt.Fprintf(&b, "    %q -> %q\n", op.Dependency().String(), op.ID.String())
	}
	b.WriteString("}\n")
	_, err := w.Write(b.Bytes())
	return err
}

func RenderOpsToSvg(ops []replica.Op, outputPath string) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	head, err := graph.CreateNode(replica.ID{}.String())
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	head.SetShape(cgraph.BoxShape)
	nodeMap := map[replica.ID]*cgraph.Node{{}: head}
	for _, op := range ops {
		n, err := graph.CreateNode(op.ID.String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(op))
		nodeMap[op.ID] = n
	}

	for i, op := range ops {
		from, ok := nodeMap[op.Dependency()]
		if !ok {
			// dependency not in this log yet
			continue
		}
		if _, err := graph.CreateEdge(strconv.Itoa(i), from, nodeMap[op.ID]); err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func RenderToTemp(ops []replica.Op) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderOpsToSvg(ops, tf); err != nil {
		return "", err
	}
	return tf, nil
}
