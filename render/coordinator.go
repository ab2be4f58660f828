// Package render drives the host-invoked output pulls against the engine.
// Everything reachable from Coordinator.OnPull runs in the real-time render
// domain: no allocation, no I/O, no locks except the timeline mutex.
package render

import (
	"sync/atomic"

	"github.com/viterin/vek/vek32"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/timeline"
)

type (
	// Coordinator resolves the sample time of every pull through the shared
	// timeline and renders the pulled channel through the engine and the
	// processors of the current Plan.
	Coordinator struct {
		handle   *rendercore.Handle
		resolver *timeline.Resolver

		plan      atomic.Pointer[Plan]
		suspended atomic.Bool

		muteFrames  int64
		muteLeft    atomic.Int64
		muteQuantum atomic.Uint64 // sample time + 1 of the last quantum that decremented muteLeft

		// scratch buffers for the legacy send buses; only touched by the
		// BusMain pull, of which there is one per quantum
		scratch [rendercore.NumSendBuses]rendercore.AudioBuffer

		levels   [NumLevels]level
		failures atomic.Uint64
		pulls    atomic.Uint64
	}

	// Level is a snapshot of the signal level of one channel, computed over
	// the last pulled buffer.
	Level struct {
		RMS  float32
		Peak float32
	}

	level struct {
		rms, peak atomic.Uint32
	}
)

// NumLevels is the number of levels Levels reports.
const NumLevels = rendercore.MaxTargets + 1 + rendercore.NumSendBuses

// NewCoordinator creates a coordinator. muteFrames is the length of the
// startup suppression in frames and maxFrames the largest buffer the host
// will ever pull; the legacy send buses are preallocated for it.
func NewCoordinator(handle *rendercore.Handle, resolver *timeline.Resolver, muteFrames, maxFrames int) *Coordinator {
	c := &Coordinator{
		handle:     handle,
		resolver:   resolver,
		muteFrames: int64(max(muteFrames, 0)),
	}
	for i := range c.scratch {
		c.scratch[i] = make(rendercore.AudioBuffer, 2*maxFrames)
	}
	c.plan.Store(&Plan{Topology: rendercore.Simple})
	return c
}

// OnPull renders one pulled buffer of channel ch into out. Every failure is
// local to this callback: the output is silenced and the next callback tries
// again.
func (c *Coordinator) OnPull(ch rendercore.ChannelID, ctx rendercore.CallbackContext, out rendercore.AudioBuffer) {
	c.pulls.Add(1)
	if ctx.Frames <= 0 || ctx.Frames > out.Frames() {
		ctx.Frames = out.Frames()
	}
	out = out[:2*ctx.Frames]
	ctx.Channel = ch
	t := c.resolver.Resolve(ctx)
	if c.suspended.Load() {
		out.Silence()
		return
	}
	if err := c.render(ch, t, out); err != nil {
		c.failures.Add(1)
		out.Silence()
	}
	if c.muted(t, ctx.Frames) {
		out.Silence()
	}
	c.measure(ch, out)
}

func (c *Coordinator) render(ch rendercore.ChannelID, t rendercore.SampleTime, out rendercore.AudioBuffer) error {
	engine, err := c.handle.Load()
	if err != nil {
		return err
	}
	if err := engine.RenderChannel(ch, t, out); err != nil {
		return err
	}
	plan := c.plan.Load()
	if p := plan.processorFor(ch); p != nil {
		p.Process(out)
	}
	if ch != rendercore.BusMain || plan.Topology != rendercore.Simple {
		return nil
	}
	for i, send := range plan.Sends {
		if send == nil {
			continue
		}
		if len(c.scratch[i]) < len(out) {
			return rendercore.ErrTransientRender
		}
		buf := c.scratch[i][:len(out)]
		if err := engine.RenderChannel(rendercore.SendBus(i), t, buf); err != nil {
			return err
		}
		send.Process(buf)
		c.measure(rendercore.SendBus(i), buf)
		vek32.Add_Inplace(out, buf)
	}
	return nil
}

// muted counts the startup suppression down, once per render quantum, and
// reports if the quantum starting at t must be silenced.
func (c *Coordinator) muted(t rendercore.SampleTime, frames int) bool {
	key := uint64(t) + 1
	if c.muteQuantum.Load() == key {
		return true
	}
	if c.muteLeft.Load() <= 0 {
		return false
	}
	if c.muteQuantum.Swap(key) != key {
		c.muteLeft.Add(-int64(frames))
	}
	return true
}

func (c *Coordinator) measure(ch rendercore.ChannelID, buf rendercore.AudioBuffer) {
	i := levelIndex(ch)
	if i < 0 || len(buf) == 0 {
		return
	}
	rms := float32(0)
	if sum := vek32.Dot(buf, buf); sum > 0 {
		rms = sqrt32(sum / float32(len(buf)))
	}
	peak := max(vek32.Max(buf), -vek32.Min(buf))
	c.levels[i].rms.Store(f32bits(rms))
	c.levels[i].peak.Store(f32bits(peak))
}

// Restart rearms the startup suppression. Called whenever playback starts
// or the graph was rebuilt.
func (c *Coordinator) Restart() {
	c.muteQuantum.Store(0)
	c.muteLeft.Store(c.muteFrames)
}

// Muting reports whether the startup suppression is still active.
func (c *Coordinator) Muting() bool {
	return c.muteLeft.Load() > 0
}

// Suspend makes every pull output silence without touching the engine. The
// graph mutator suspends the coordinator while it edits the graph.
func (c *Coordinator) Suspend() {
	c.suspended.Store(true)
}

// Resume undoes Suspend.
func (c *Coordinator) Resume() {
	c.suspended.Store(false)
}

// Publish replaces the plan used by subsequent pulls.
func (c *Coordinator) Publish(p *Plan) {
	if p == nil {
		p = &Plan{Topology: rendercore.Simple}
	}
	c.plan.Store(p)
}

// Plan returns the plan currently used for rendering.
func (c *Coordinator) Plan() *Plan {
	return c.plan.Load()
}

// Levels copies the levels of the per-target channels, the main bus and the
// send buses (in this order) into dst and returns the number of elements
// copied. It does not allocate, so it can be polled at a fixed rate.
func (c *Coordinator) Levels(dst []Level) int {
	n := min(len(dst), NumLevels)
	for i := 0; i < n; i++ {
		dst[i] = Level{RMS: f32frombits(c.levels[i].rms.Load()), Peak: f32frombits(c.levels[i].peak.Load())}
	}
	return n
}

// TransientFailures returns the number of pulls that produced silence
// because the engine was missing or failed to render.
func (c *Coordinator) TransientFailures() uint64 {
	return c.failures.Load()
}

// Pulls returns the total number of pulls seen.
func (c *Coordinator) Pulls() uint64 {
	return c.pulls.Load()
}

// LevelIndex returns the index of channel ch in the slice filled by Levels,
// or -1.
func LevelIndex(ch rendercore.ChannelID) int {
	return levelIndex(ch)
}

func levelIndex(ch rendercore.ChannelID) int {
	switch {
	case ch >= 0 && ch < rendercore.MaxTargets:
		return int(ch)
	case ch >= rendercore.BusMain && ch <= rendercore.BusSendB:
		return rendercore.MaxTargets + int(ch-rendercore.BusMain)
	}
	return -1
}
