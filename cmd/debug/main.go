package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/astromechza/docsync/pkg/localstore"
	"github.com/astromechza/docsync/pkg/replica"
	"github.com/astromechza/docsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := flag.Bool("svg", false, "also render the op graph to an svg file")
	diffVar := flag.String("diff", "", "another store file to compare the content against")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the store file to read")
	}

	name, ops, doc, err := load(flag.Arg(0))
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "name", name, "ops", len(ops), "pending", doc.Pending())
	slog.Info("loaded state", "vector", doc.StateVector())
	slog.Info("content", "text", doc.Text())

	for i, op := range ops {
		fmt.Fprintf(os.Stderr, "%4d %s\n", i, colorize(op))
	}

	if err := viz.WriteDOT(os.Stdout, name, ops); err != nil {
		return fmt.Errorf("failed to write graph: %w", err)
	}

	if *svgVar {
		path, err := viz.RenderToTemp(ops)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+path)
	}

	if *diffVar != "" {
		otherName, _, other, err := load(*diffVar)
		if err != nil {
			return err
		}
		if otherName != name {
			slog.Warn("comparing different documents", "left", name, "right", otherName)
		}
		fmt.Fprintln(os.Stderr, renderDiff(doc.Text(), other.Text()))
	}
	return nil
}

// load rebuilds the replica held in a store file.
func load(path string) (string, []replica.Op, *replica.Document, error) {
	name, ops, err := localstore.ReadLog(path)
	if err != nil {
		return "", nil, nil, err
	}
	doc := replica.New(name, "debug")
	for _, op := range ops {
		if _, err := doc.ApplyRemoteOp(op, "debug"); err != nil {
			slog.Warn("skipping invalid op", "op", op.ID, "err", err)
		}
	}
	return name, ops, doc, nil
}

func colorize(op replica.Op) string {
	label := viz.Label(op)
	switch op.Type {
	case replica.OpInsert:
		return color.GreenString("%s", label)
	case replica.OpDelete:
		return color.RedString("%s", label)
	case replica.OpSetAttr:
		return color.YellowString("%s", label)
	}
	return label
}

func renderDiff(from, to string) string {
	dmp := diffpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(from, to, false))
	if len(diffs) == 0 || (len(diffs) == 1 && diffs[0].Type == diffpatch.DiffEqual) {
		return color.CyanString("content is identical")
	}
	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffpatch.DiffInsert:
			b.WriteString(color.GreenString("[+%s]", d.Text))
		case diffpatch.DiffDelete:
			b.WriteString(color.RedString("[-%s]", d.Text))
		case diffpatch.DiffEqual:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}
