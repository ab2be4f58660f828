// Package rendercore holds the types shared by the render-graph orchestration
// layer: the sample clock, render callback contexts, scheduled note events,
// topologies and the narrow Engine interface that the opaque synthesis engine
// implements.
package rendercore

import "fmt"

type (
	// SampleTime is the number of samples since the session started. It is the
	// global ordering key for rendering and scheduling and never decreases
	// within a session.
	SampleTime uint64

	// ChannelID identifies one independently pulled output. Values below
	// MaxTargets address the per-target outputs of the multi-channel topology;
	// the Bus* values address the legacy stereo buses.
	ChannelID int

	// DestinationMask is a bitset selecting one or more independent synthesis
	// targets. The zero mask means the default polyphonic pool.
	DestinationMask uint8

	// Topology describes the shape of the live processing graph. Switching
	// between topologies requires a full teardown and rebuild.
	Topology int

	// EventKind tells whether a ScheduledEvent starts or releases a note.
	EventKind int

	// ScheduledEvent is a note event that the engine fires once its
	// AbsoluteTime is reached.
	ScheduledEvent struct {
		Kind         EventKind
		Note         byte
		Velocity     byte
		AbsoluteTime SampleTime
		Destinations DestinationMask
	}

	// CallbackContext is the per-invocation timing information a host gives
	// to a render callback. Either time may be missing; HasSampleTime and
	// HasHostTime tell which ones are valid.
	CallbackContext struct {
		SampleTime    SampleTime
		HasSampleTime bool
		HostTime      uint64
		HasHostTime   bool
		Frames        int
		Channel       ChannelID
	}
)

// MaxTargets is the number of independent synthesis targets, and therefore
// the maximum number of per-target channels.
const MaxTargets = 8

const (
	BusMain ChannelID = MaxTargets + iota
	BusSendA
	BusSendB
)

// NumSendBuses is the number of auxiliary send buses in the legacy topology.
const NumSendBuses = 2

const (
	TargetPoly DestinationMask = 1 << iota // default polyphonic pool
	TargetResonator
	TargetGranular
	TargetPad
	TargetBass
	TargetLead
	TargetDrum
	TargetAux

	AllTargets DestinationMask = 0xFF
)

const (
	Simple Topology = iota
	MultiChannel
)

const (
	NoteOn EventKind = iota
	NoteOff
)

// NumNotes is the size of the MIDI note range.
const NumNotes = 128

// Normalize returns the mask with the zero value replaced by the default
// polyphonic pool.
func (m DestinationMask) Normalize() DestinationMask {
	if m == 0 {
		return TargetPoly
	}
	return m
}

// Has reports whether target index i is selected by the mask.
func (m DestinationMask) Has(i int) bool {
	return i >= 0 && i < MaxTargets && m&(1<<uint(i)) != 0
}

func (t Topology) String() string {
	switch t {
	case Simple:
		return "simple"
	case MultiChannel:
		return "multichannel"
	}
	return fmt.Sprintf("topology(%d)", int(t))
}

// ParseTopology is the inverse of Topology.String.
func ParseTopology(s string) (Topology, error) {
	switch s {
	case "simple", "legacy":
		return Simple, nil
	case "multichannel", "multi":
		return MultiChannel, nil
	}
	return 0, fmt.Errorf("unknown topology %q", s)
}

func (k EventKind) String() string {
	if k == NoteOn {
		return "on"
	}
	return "off"
}

func (c ChannelID) String() string {
	switch c {
	case BusMain:
		return "main"
	case BusSendA:
		return "send-a"
	case BusSendB:
		return "send-b"
	}
	return fmt.Sprintf("ch%d", int(c))
}

// SendBus returns the channel of the i-th auxiliary send bus.
func SendBus(i int) ChannelID {
	return BusSendA + ChannelID(i)
}
