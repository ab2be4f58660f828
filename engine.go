package rendercore

import "sync/atomic"

type (
	// Engine is the opaque synthesis and mixing unit. The orchestration layer
	// only renders channels, moves parameters and schedules note events
	// through it.
	//
	// RenderChannel fills buffer with buffer.Frames() frames of the channel
	// starting at time. Repeated calls with the same (channel, time) pair
	// must produce the same audio, so several pulls of one render quantum
	// agree. ScheduleNoteOn, ScheduleNoteOff and ClearScheduled are safe to
	// call from the control thread while rendering is in progress.
	Engine interface {
		Initialize(sampleRate, blockSize int) error
		RenderChannel(channel ChannelID, time SampleTime, buffer AudioBuffer) error
		SetParameter(param Param, target int, value float32) error
		Parameter(param Param, target int) (float32, error)
		ScheduleNoteOn(note, velocity byte, time SampleTime, destinations DestinationMask)
		ScheduleNoteOff(note byte, time SampleTime, destinations DestinationMask)
		ClearScheduled()
		CurrentSampleTime() SampleTime
		Close() error
	}

	// Handle is the shared reference to the engine that every component gets
	// at construction. The engine behind it can be created and destroyed
	// while the components live; Load reports ErrEngineNotReady in between.
	Handle struct {
		engine atomic.Pointer[engineBox]
	}

	engineBox struct {
		Engine
	}
)

// NewHandle returns a handle pointing to e. e may be nil.
func NewHandle(e Engine) *Handle {
	h := &Handle{}
	h.Set(e)
	return h
}

// Set replaces the engine behind the handle. Passing nil detaches it.
func (h *Handle) Set(e Engine) {
	if e == nil {
		h.engine.Store(nil)
		return
	}
	h.engine.Store(&engineBox{e})
}

// Load returns the current engine, or ErrEngineNotReady.
func (h *Handle) Load() (Engine, error) {
	b := h.engine.Load()
	if b == nil {
		return nil, ErrEngineNotReady
	}
	return b.Engine, nil
}

// Ready reports whether an engine is attached.
func (h *Handle) Ready() bool {
	return h.engine.Load() != nil
}
