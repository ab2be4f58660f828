// Package vm contains a pure Go reference implementation of the engine: a
// handful of sine voices per synthesis target, an event queue of its own and
// a per-quantum render cache so every pulled channel of one quantum sees the
// same audio.
package vm

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/viterin/vek/vek32"
	"github.com/vsariola/rendercore"
)

type (
	// GoEngine implements rendercore.Engine. Control thread calls
	// (scheduling, parameters) never wait for the render thread: events are
	// handed over through a buffered channel that the render thread drains
	// at the start of every quantum.
	GoEngine struct {
		sampleRate int
		blockSize  int

		messages   chan message
		generation atomic.Uint64 // bumped by ClearScheduled
		dropped    atomic.Uint64
		params     [rendercore.NumParams][rendercore.MaxTargets]atomic.Uint32
		now        atomic.Uint64
		closed     atomic.Bool
		onFire     func(e rendercore.ScheduledEvent, at rendercore.SampleTime)

		// render state, guarded by mu
		mu          sync.Mutex
		initialized bool
		seenGen     uint64
		queue       eventQueue
		targets     [rendercore.MaxTargets]target
		cache       quantum
		scratch     []float32
		quanta      uint64
	}

	quantum struct {
		valid  bool
		time   rendercore.SampleTime
		frames int
		out    [numOutputs][]float32
	}

	Option func(*GoEngine)
)

const (
	numOutputs       = int(rendercore.BusSendA) + rendercore.NumSendBuses
	messageQueueSize = 4096
	maxPendingEvents = 4096
)

var errNotInitialized = errors.New("engine not initialized")

// WithFireHook installs a function that is called on the render thread for
// every event as it fires, with the sample time it fired at.
func WithFireHook(f func(e rendercore.ScheduledEvent, at rendercore.SampleTime)) Option {
	return func(e *GoEngine) { e.onFire = f }
}

func NewGoEngine(options ...Option) *GoEngine {
	e := &GoEngine{
		messages: make(chan message, messageQueueSize),
		queue:    newEventQueue(maxPendingEvents),
	}
	for p := rendercore.Param(0); p < rendercore.NumParams; p++ {
		info, _ := p.Info()
		for t := range e.params[p] {
			e.params[p][t].Store(math.Float32bits(info.Default))
		}
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Initialize allocates the render buffers. blockSize is the largest number
// of frames a single RenderChannel call may ask for.
func (e *GoEngine) Initialize(sampleRate, blockSize int) error {
	if sampleRate <= 0 || blockSize <= 0 {
		return fmt.Errorf("invalid sample rate %d or block size %d", sampleRate, blockSize)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sampleRate, e.blockSize = sampleRate, blockSize
	for i := range e.cache.out {
		e.cache.out[i] = make([]float32, 2*blockSize)
	}
	e.scratch = make([]float32, 2*blockSize)
	e.cache.valid = false
	e.initialized = true
	return nil
}

// RenderChannel renders the quantum starting at time once and serves every
// channel of that quantum from the cache.
func (e *GoEngine) RenderChannel(ch rendercore.ChannelID, time rendercore.SampleTime, buffer rendercore.AudioBuffer) error {
	if e.closed.Load() {
		return errors.New("engine closed")
	}
	if ch < 0 || int(ch) >= numOutputs {
		return fmt.Errorf("no such channel %v", ch)
	}
	frames := buffer.Frames()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errNotInitialized
	}
	if frames > e.blockSize {
		return fmt.Errorf("%d frames requested, block size is %d", frames, e.blockSize)
	}
	if !e.cache.valid || e.cache.time != time || e.cache.frames < frames {
		e.renderQuantum(time, frames)
	}
	copy(buffer, e.cache.out[ch][:2*frames])
	return nil
}

func (e *GoEngine) renderQuantum(t rendercore.SampleTime, frames int) {
	if e.cache.valid && t < e.cache.time {
		// the timeline was restarted; events scheduled on the old one would
		// never be reached in time. Their note offs still apply, or the
		// voices they were meant to release would hang.
		e.queue.drain(func(ev rendercore.ScheduledEvent) {
			if ev.Kind == rendercore.NoteOff {
				e.releaseAll(ev)
			}
		})
	}
	e.processMessages()
	for i := range e.cache.out {
		clear(e.cache.out[i][:2*frames])
	}
	frame := 0
	for frame < frames {
		e.queue.popDue(t+rendercore.SampleTime(frame), func(ev rendercore.ScheduledEvent) {
			e.fire(ev, t+rendercore.SampleTime(frame))
		})
		until := frames
		if next, ok := e.queue.next(); ok && next < t+rendercore.SampleTime(frames) {
			until = int(next - t)
		}
		for i := range e.targets {
			e.targets[i].render(e.cache.out[i][2*frame:2*until], e.targetParams(i), float64(e.sampleRate))
		}
		frame = until
	}
	e.mix(frames)
	e.cache.valid, e.cache.time, e.cache.frames = true, t, frames
	e.quanta++
	e.now.Store(uint64(t) + uint64(frames))
}

// processMessages drains the message channel without blocking.
func (e *GoEngine) processMessages() {
	gen := e.generation.Load()
	if gen != e.seenGen {
		e.queue.clear()
		e.seenGen = gen
	}
loop:
	for {
		select {
		case msg := <-e.messages:
			if msg.generation != gen {
				continue // scheduled before the last clear
			}
			if !e.queue.push(msg.event) {
				e.dropped.Add(1)
			}
		default:
			break loop
		}
	}
}

func (e *GoEngine) releaseAll(ev rendercore.ScheduledEvent) {
	for i := range e.targets {
		if ev.Destinations.Has(i) {
			e.targets[i].release(ev.Note)
		}
	}
}

func (e *GoEngine) fire(ev rendercore.ScheduledEvent, at rendercore.SampleTime) {
	for i := range e.targets {
		if !ev.Destinations.Has(i) {
			continue
		}
		if ev.Kind == rendercore.NoteOn {
			e.targets[i].trigger(ev.Note, ev.Velocity)
		} else {
			e.targets[i].release(ev.Note)
		}
	}
	if e.onFire != nil {
		e.onFire(ev, at)
	}
}

// mix sums the per-target outputs into the main bus and the send buses.
func (e *GoEngine) mix(frames int) {
	n := 2 * frames
	master := e.param(rendercore.ParamMasterGain, 0)
	main := e.cache.out[rendercore.BusMain][:n]
	scratch := e.scratch[:n]
	for i := 0; i < rendercore.MaxTargets; i++ {
		src := e.cache.out[i][:n]
		copy(scratch, src)
		vek32.MulNumber_Inplace(scratch, master)
		vek32.Add_Inplace(main, scratch)
		for s := 0; s < rendercore.NumSendBuses; s++ {
			level := e.param(rendercore.SendParam(s), i)
			if level == 0 {
				continue
			}
			copy(scratch, src)
			vek32.MulNumber_Inplace(scratch, level)
			vek32.Add_Inplace(e.cache.out[rendercore.SendBus(s)][:n], scratch)
		}
	}
}

func (e *GoEngine) targetParams(i int) targetParams {
	return targetParams{
		gain:    e.param(rendercore.ParamTargetGain, i),
		pan:     e.param(rendercore.ParamPan, i),
		attack:  e.param(rendercore.ParamAttack, i),
		release: e.param(rendercore.ParamRelease, i),
		detune:  e.param(rendercore.ParamDetune, i),
	}
}

func (e *GoEngine) param(p rendercore.Param, target int) float32 {
	return math.Float32frombits(e.params[p][target].Load())
}

func (e *GoEngine) slot(p rendercore.Param, target int) (int, error) {
	info, ok := p.Info()
	if !ok {
		return 0, fmt.Errorf("unknown parameter %d", int(p))
	}
	if !info.PerTarget {
		return 0, nil
	}
	if target < 0 || target >= rendercore.MaxTargets {
		return 0, fmt.Errorf("parameter %v: target %d out of range", p, target)
	}
	return target, nil
}

// SetParameter sets a parameter, clamped to its range. Global parameters
// ignore target.
func (e *GoEngine) SetParameter(p rendercore.Param, target int, value float32) error {
	t, err := e.slot(p, target)
	if err != nil {
		return err
	}
	e.params[p][t].Store(math.Float32bits(p.Clamp(value)))
	return nil
}

func (e *GoEngine) Parameter(p rendercore.Param, target int) (float32, error) {
	t, err := e.slot(p, target)
	if err != nil {
		return 0, err
	}
	return e.param(p, t), nil
}

func (e *GoEngine) ScheduleNoteOn(note, velocity byte, time rendercore.SampleTime, destinations rendercore.DestinationMask) {
	e.schedule(rendercore.ScheduledEvent{Kind: rendercore.NoteOn, Note: note, Velocity: velocity, AbsoluteTime: time, Destinations: destinations.Normalize()})
}

func (e *GoEngine) ScheduleNoteOff(note byte, time rendercore.SampleTime, destinations rendercore.DestinationMask) {
	e.schedule(rendercore.ScheduledEvent{Kind: rendercore.NoteOff, Note: note, AbsoluteTime: time, Destinations: destinations.Normalize()})
}

func (e *GoEngine) schedule(ev rendercore.ScheduledEvent) {
	if !TrySend(e.messages, message{event: ev, generation: e.generation.Load()}) {
		e.dropped.Add(1)
	}
}

// ClearScheduled drops every event that has not fired yet. It takes effect
// at the start of the next rendered quantum and never waits for rendering.
func (e *GoEngine) ClearScheduled() {
	e.generation.Add(1)
}

func (e *GoEngine) CurrentSampleTime() rendercore.SampleTime {
	return rendercore.SampleTime(e.now.Load())
}

// Dropped returns the number of events lost because a queue was full.
func (e *GoEngine) Dropped() uint64 {
	return e.dropped.Load()
}

// Sounding returns the number of voices of target i that are still audible.
func (e *GoEngine) Sounding(i int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targets[i].sounding()
}

// Pending returns the number of events waiting in the render-side queue.
// Events still in transit from the control thread are not counted.
func (e *GoEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

func (e *GoEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// Quanta returns the number of quanta rendered, cache hits not counted.
func (e *GoEngine) Quanta() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quanta
}
