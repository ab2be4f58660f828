package render

import "github.com/vsariola/rendercore"

// Plan is the render-side view of the graph: which topology is active and
// which processors sit in the chains. The graph mutator builds a new Plan
// for every steady state and publishes it atomically; a Plan is never
// modified after publication.
type Plan struct {
	Topology rendercore.Topology
	Channels int // number of pulled per-target channels in MultiChannel

	// Inserts[i] processes channel i in MultiChannel; in Simple, Inserts[0]
	// processes the main bus. nil means nothing is attached.
	Inserts [rendercore.MaxTargets]rendercore.Processor
	// Sends are the processors of the auxiliary send buses. Send buses are
	// only rendered in Simple, and only when a processor is attached.
	Sends [rendercore.NumSendBuses]rendercore.Processor
}

// PulledChannels returns the channels a host has to pull for the plan, in
// pull order.
func (p *Plan) PulledChannels() []rendercore.ChannelID {
	return Channels(p.Topology, p.Channels)
}

// Channels returns the channels a host pulls for the given topology.
func Channels(t rendercore.Topology, n int) []rendercore.ChannelID {
	if t == rendercore.Simple {
		return []rendercore.ChannelID{rendercore.BusMain}
	}
	n = min(max(n, 1), rendercore.MaxTargets)
	ret := make([]rendercore.ChannelID, n)
	for i := range ret {
		ret[i] = rendercore.ChannelID(i)
	}
	return ret
}

func (p *Plan) processorFor(ch rendercore.ChannelID) rendercore.Processor {
	switch {
	case ch == rendercore.BusMain:
		if p.Topology == rendercore.Simple {
			return p.Inserts[0]
		}
	case ch == rendercore.BusSendA || ch == rendercore.BusSendB:
		if p.Topology == rendercore.Simple {
			return p.Sends[ch-rendercore.BusSendA]
		}
	case ch >= 0 && ch < rendercore.MaxTargets:
		if p.Topology == rendercore.MultiChannel {
			return p.Inserts[ch]
		}
	}
	return nil
}
