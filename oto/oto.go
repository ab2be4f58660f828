// Package oto is the real-time host runtime. Every pulled channel gets a
// player of its own in one shared oto context, so the channels are pulled
// independently, just like the outputs of a multi-bus audio device.
package oto

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/render"
)

type (
	// Runtime implements graph.Runtime.
	Runtime struct {
		context     *oto.Context
		coordinator *render.Coordinator
		frames      int

		mu       sync.Mutex
		channels []rendercore.ChannelID
		players  []*oto.Player
		running  bool
	}

	// channelReader is the io.Reader behind one player. The host time of a
	// pull is the number of frames the player has read so far, so the
	// players of one configuration agree on the host time of every quantum.
	channelReader struct {
		channel     rendercore.ChannelID
		coordinator *render.Coordinator
		frames      int
		position    uint64
		buffer      rendercore.AudioBuffer
		encoded     []byte
		pending     []byte
	}
)

var errNoChannels = errors.New("no channels configured")

// New creates the oto context. Only one context can exist per process.
// frames is the size of the quanta the players pull.
func New(coordinator *render.Coordinator, sampleRate, frames int) (*Runtime, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
		BufferSize:   time.Duration(frames) * time.Second / time.Duration(sampleRate),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready
	return &Runtime{context: ctx, coordinator: coordinator, frames: frames}, nil
}

func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runtime) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players {
		p.Pause()
	}
	r.running = false
	return nil
}

// Start starts or resumes all players. If no players are prepared, they are
// created first.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.context.Err(); err != nil {
		return fmt.Errorf("oto context: %w", err)
	}
	if r.players == nil {
		if err := r.prepareLocked(); err != nil {
			return err
		}
	}
	for _, p := range r.players {
		p.Play()
	}
	for _, p := range r.players {
		if err := p.Err(); err != nil {
			return fmt.Errorf("oto player: %w", err)
		}
	}
	r.running = true
	return nil
}

// Stop pauses and discards all players.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Runtime) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Runtime) stopLocked() {
	for _, p := range r.players {
		p.Pause()
	}
	r.players = nil
	r.running = false
}

// Prepare creates a fresh player for every configured channel.
func (r *Runtime) Prepare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prepareLocked()
}

func (r *Runtime) prepareLocked() error {
	if len(r.channels) == 0 {
		return errNoChannels
	}
	r.stopLocked()
	for _, ch := range r.channels {
		r.players = append(r.players, r.context.NewPlayer(newChannelReader(ch, r.coordinator, r.frames)))
	}
	return nil
}

// Configure replaces the set of pulled channels. The new players are
// created paused.
func (r *Runtime) Configure(channels []rendercore.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = slices.Clone(channels)
	return r.prepareLocked()
}

// Suspend suspends the whole audio device, e.g. when the application goes
// to background.
func (r *Runtime) Suspend() error { return r.context.Suspend() }
func (r *Runtime) Resume() error  { return r.context.Resume() }

func newChannelReader(ch rendercore.ChannelID, c *render.Coordinator, frames int) *channelReader {
	return &channelReader{
		channel:     ch,
		coordinator: c,
		frames:      frames,
		buffer:      make(rendercore.AudioBuffer, 2*frames),
		encoded:     make([]byte, 0, 8*frames),
	}
}

// Read renders as many quanta as needed to fill p.
func (c *channelReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(c.pending) == 0 {
			c.pull()
		}
		k := copy(p[n:], c.pending)
		c.pending = c.pending[k:]
		n += k
	}
	return n, nil
}

func (c *channelReader) pull() {
	ctx := rendercore.CallbackContext{HostTime: c.position, HasHostTime: true, Frames: c.frames}
	c.coordinator.OnPull(c.channel, ctx, c.buffer)
	c.position += uint64(c.frames)
	c.encoded = FloatBufferToFloat32LE(c.buffer, c.encoded[:0])
	c.pending = c.encoded
}
