// Package graph restructures the live processing graph: topology switches
// and loading, unloading and bypassing of insert and send plugins. All edits
// happen on one dedicated worker goroutine, bracketed by pausing and
// resuming the runtime, so the graph only ever moves between two fully
// connected states.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vsariola/rendercore"
)

type (
	// Graph is the node/edge model of the processing graph. It is owned by
	// the mutator's worker goroutine and never touched by the render path.
	Graph struct {
		nodes map[string]Node
		edges []Edge
		edits int
	}

	// Node is one attached node of the graph.
	Node struct {
		ID        string
		Kind      NodeKind
		Channel   rendercore.ChannelID
		Processor rendercore.Processor
	}

	// Edge connects the output of From to input bus Bus of To.
	Edge struct {
		From, To string
		Bus      int
	}

	NodeKind int
)

const (
	SourceNode NodeKind = iota // pulled engine channel
	PluginNode                 // insert or send processor
	MixerNode
	OutputNode
)

const (
	mixerID  = "mixer"
	outputID = "output"
)

func NewGraph() *Graph {
	return &Graph{nodes: map[string]Node{}}
}

func (k NodeKind) String() string {
	switch k {
	case SourceNode:
		return "source"
	case PluginNode:
		return "plugin"
	case MixerNode:
		return "mixer"
	case OutputNode:
		return "output"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Attach adds a node. Attaching an ID twice is an error.
func (g *Graph) Attach(n Node) error {
	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("node %s already attached", n.ID)
	}
	g.nodes[n.ID] = n
	g.edits++
	return nil
}

// Detach removes a node. The node must not have any edges left.
func (g *Graph) Detach(id string) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("node %s not attached", id)
	}
	for _, e := range g.edges {
		if e.From == id || e.To == id {
			return fmt.Errorf("node %s still connected (%s -> %s)", id, e.From, e.To)
		}
	}
	delete(g.nodes, id)
	g.edits++
	return nil
}

// Connect adds an edge. Both ends must be attached and the input bus of the
// downstream node must be free: a bus has at most one upstream connection.
func (g *Graph) Connect(e Edge) error {
	if _, ok := g.nodes[e.From]; !ok {
		return fmt.Errorf("connect %s -> %s: source not attached", e.From, e.To)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return fmt.Errorf("connect %s -> %s: destination not attached", e.From, e.To)
	}
	for _, existing := range g.edges {
		if existing.To == e.To && existing.Bus == e.Bus {
			return fmt.Errorf("connect %s -> %s: bus %d already fed by %s", e.From, e.To, e.Bus, existing.From)
		}
	}
	g.edges = append(g.edges, e)
	g.edits++
	return nil
}

// Disconnect removes an edge if present.
func (g *Graph) Disconnect(e Edge) bool {
	i := slices.Index(g.edges, e)
	if i < 0 {
		return false
	}
	g.edges = slices.Delete(g.edges, i, i+1)
	g.edits++
	return true
}

// Validate checks the graph is self-consistent: edges only reference
// attached nodes and no input bus has more than one upstream connection.
func (g *Graph) Validate() error {
	fed := map[Edge]string{}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("edge %s -> %s: source not attached", e.From, e.To)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("edge %s -> %s: destination not attached", e.From, e.To)
		}
		key := Edge{To: e.To, Bus: e.Bus}
		if prev, ok := fed[key]; ok {
			return fmt.Errorf("bus %d of %s fed by both %s and %s", e.Bus, e.To, prev, e.From)
		}
		fed[key] = e.From
	}
	return nil
}

// Dangling returns the attached nodes that have no downstream connection,
// the output node excluded. A steady graph has none.
func (g *Graph) Dangling() []string {
	var ret []string
	for id, n := range g.nodes {
		if n.Kind == OutputNode {
			continue
		}
		if !slices.ContainsFunc(g.edges, func(e Edge) bool { return e.From == id }) {
			ret = append(ret, id)
		}
	}
	slices.Sort(ret)
	return ret
}

// Upstream returns the node feeding input bus bus of node id.
func (g *Graph) Upstream(id string, bus int) (string, bool) {
	for _, e := range g.edges {
		if e.To == id && e.Bus == bus {
			return e.From, true
		}
	}
	return "", false
}

// Nodes returns the attached nodes sorted by ID.
func (g *Graph) Nodes() []Node {
	ret := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		ret = append(ret, n)
	}
	slices.SortFunc(ret, func(a, b Node) int { return strings.Compare(a.ID, b.ID) })
	return ret
}

// Edges returns a copy of the edges.
func (g *Graph) Edges() []Edge {
	return slices.Clone(g.edges)
}

// Edits returns the number of primitive edits performed on the graph.
func (g *Graph) Edits() int {
	return g.edits
}

// apply moves the graph to the desired shape: stale edges are disconnected
// first, then unused nodes detached, new nodes attached and finally the new
// edges connected. observe is called after every primitive edit.
func (g *Graph) apply(want shape, observe func(*Graph)) error {
	for _, e := range slices.Clone(g.edges) {
		if !slices.Contains(want.edges, e) || !sameNode(g.nodes[e.From], want.nodes[e.From]) || !sameNode(g.nodes[e.To], want.nodes[e.To]) {
			g.Disconnect(e)
			observe(g)
		}
	}
	for _, n := range g.Nodes() {
		if w, ok := want.nodes[n.ID]; !ok || !sameNode(n, w) {
			if err := g.Detach(n.ID); err != nil {
				return err
			}
			observe(g)
		}
	}
	ids := make([]string, 0, len(want.nodes))
	for id := range want.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, ok := g.nodes[id]; ok {
			continue
		}
		if err := g.Attach(want.nodes[id]); err != nil {
			return err
		}
		observe(g)
	}
	for _, e := range want.edges {
		if slices.Contains(g.edges, e) {
			continue
		}
		if err := g.Connect(e); err != nil {
			return err
		}
		observe(g)
	}
	return nil
}

func sameNode(a, b Node) bool {
	return a.ID == b.ID && a.Kind == b.Kind && a.Channel == b.Channel
}
