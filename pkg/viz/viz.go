// Package viz draws the change history of counters kept in an automerge store document.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Point is a counter value as of one change in the document.
type Point struct {
	Hash     string
	Actor    string
	Seq      uint64
	Message  string
	Deps     []string
	Value    int64
	HasValue bool
}

// History walks every change in doc and reads the counter at path as of that change.
func History(doc *automerge.Doc, path ...any) ([]Point, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Point, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		p := Point{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
		}
		for _, dep := range change.Dependencies() {
			p.Deps = append(p.Deps, dep.String())
		}
		if v, err := docAt.Path(path...).Get(); err == nil && v.Kind() == automerge.KindCounter {
			if p.Value, err = docAt.Path(path...).Counter().Get(); err != nil {
				return nil, fmt.Errorf("failed to read counter at %s: %w", change.Hash(), err)
			}
			p.HasValue = true
		}
		out = append(out, p)
	}
	return out, nil
}

// Render writes the history graph of the counter at path in the given format.
func Render(doc *automerge.Doc, format graphviz.Format, w io.Writer, path ...any) error {
	points, err := History(doc, path...)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(points))
	edges := 0
	for _, p := range points {
		n, err := graph.CreateNode(p.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		value := "-"
		if p.HasValue {
			value = strconv.FormatInt(p.Value, 10)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d\n%s\n= %s", p.Hash[:8], p.Actor, p.Seq, p.Message, value))
		nodeMap[p.Hash] = n

		for _, dep := range p.Deps {
			parent, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderCounterToSvg writes the history of counter name to an SVG file.
func RenderCounterToSvg(doc *automerge.Doc, name, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(doc, graphviz.SVG, &buff, "counters", name); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
