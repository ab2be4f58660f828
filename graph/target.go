package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/render"
)

type (
	// Target is something a mutation applies to: the topology, or one insert
	// or send slot. At most one mutation is in flight per target.
	Target struct {
		Kind  TargetKind
		Index int
	}

	TargetKind int

	// SlotState is the state of an insert or send slot as seen from the
	// control thread.
	SlotState int

	// slot is the control-side bookkeeping of one insert or send slot.
	slot struct {
		state      SlotState
		processor  rendercore.Processor
		descriptor rendercore.PluginDescriptor
		nodeID     string
	}

	// plugin is the worker-side view of a slot: what is attached to the
	// graph. Bypassed plugins stay loaded but are not attached.
	plugin struct {
		processor rendercore.Processor
		nodeID    string
		bypassed  bool
	}

	// view is everything the worker needs to derive the desired graph and
	// render plan. Views are values; every mutation produces a new one.
	view struct {
		topology rendercore.Topology
		channels int
		inserts  [rendercore.MaxTargets]plugin
		sends    [rendercore.NumSendBuses]plugin
	}

	shape struct {
		nodes map[string]Node
		edges []Edge
	}
)

const (
	KindTopology TargetKind = iota
	KindInsert
	KindSend
)

const (
	Empty SlotState = iota
	Loading
	Loaded
	Bypassed
)

// TopologyTarget is the target of topology switches and reconfigurations.
var TopologyTarget = Target{Kind: KindTopology}

// Insert returns the insert slot of channel i. In the Simple topology,
// insert 0 processes the main bus.
func Insert(i int) Target { return Target{Kind: KindInsert, Index: i} }

// Send returns the slot of auxiliary send bus i.
func Send(i int) Target { return Target{Kind: KindSend, Index: i} }

// ParseTarget parses slot names such as "insert0", "insert 3" or "send1".
func ParseTarget(s string) (Target, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "topology" {
		return TopologyTarget, nil
	}
	var t Target
	var rest string
	switch {
	case strings.HasPrefix(s, "insert"):
		t.Kind, rest = KindInsert, s[len("insert"):]
	case strings.HasPrefix(s, "send"):
		t.Kind, rest = KindSend, s[len("send"):]
	default:
		return Target{}, fmt.Errorf("unknown slot %q", s)
	}
	i, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return Target{}, fmt.Errorf("slot %q: %w", s, err)
	}
	t.Index = i
	if !t.valid() {
		return Target{}, fmt.Errorf("slot %q out of range", s)
	}
	return t, nil
}

func (t Target) valid() bool {
	switch t.Kind {
	case KindTopology:
		return t.Index == 0
	case KindInsert:
		return t.Index >= 0 && t.Index < rendercore.MaxTargets
	case KindSend:
		return t.Index >= 0 && t.Index < rendercore.NumSendBuses
	}
	return false
}

func (t Target) String() string {
	switch t.Kind {
	case KindTopology:
		return "topology"
	case KindInsert:
		return fmt.Sprintf("insert %d", t.Index)
	case KindSend:
		return fmt.Sprintf("send %d", t.Index)
	}
	return fmt.Sprintf("target(%d,%d)", int(t.Kind), t.Index)
}

func (s SlotState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Bypassed:
		return "bypassed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (v *view) plugin(t Target) *plugin {
	switch t.Kind {
	case KindInsert:
		return &v.inserts[t.Index]
	case KindSend:
		return &v.sends[t.Index]
	}
	return nil
}

func (p plugin) active() bool {
	return p.processor != nil && !p.bypassed
}

func sourceID(ch rendercore.ChannelID) string {
	return "source/" + ch.String()
}

// shape returns the desired nodes and edges of the view.
//
// Simple:       main -> [insert 0] -> mixer:0, send i -> send plugin i -> mixer:1+i
// MultiChannel: ch i -> [insert i] -> mixer:i
//
// and mixer -> output in both. A send bus without an active plugin is not
// attached at all, so no source is left pulled but unused.
func (v view) shape() shape {
	s := shape{nodes: map[string]Node{}}
	add := func(n Node) { s.nodes[n.ID] = n }
	chain := func(ch rendercore.ChannelID, p plugin, bus int) {
		src := sourceID(ch)
		add(Node{ID: src, Kind: SourceNode, Channel: ch})
		from := src
		if p.active() {
			add(Node{ID: p.nodeID, Kind: PluginNode, Channel: ch, Processor: p.processor})
			s.edges = append(s.edges, Edge{From: src, To: p.nodeID})
			from = p.nodeID
		}
		s.edges = append(s.edges, Edge{From: from, To: mixerID, Bus: bus})
	}
	add(Node{ID: mixerID, Kind: MixerNode, Channel: -1})
	add(Node{ID: outputID, Kind: OutputNode, Channel: -1})
	switch v.topology {
	case rendercore.Simple:
		chain(rendercore.BusMain, v.inserts[0], 0)
		for i, p := range v.sends {
			if p.active() {
				chain(rendercore.SendBus(i), p, 1+i)
			}
		}
	default:
		for _, ch := range render.Channels(v.topology, v.channels) {
			chain(ch, v.inserts[ch], int(ch))
		}
	}
	s.edges = append(s.edges, Edge{From: mixerID, To: outputID})
	return s
}

// plan returns the render plan of the view.
func (v view) plan() *render.Plan {
	p := &render.Plan{Topology: v.topology, Channels: v.channels}
	for i, ins := range v.inserts {
		if ins.active() {
			p.Inserts[i] = ins.processor
		}
	}
	for i, send := range v.sends {
		if send.active() {
			p.Sends[i] = send.processor
		}
	}
	return p
}
