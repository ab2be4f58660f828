// Package host contains a deterministic host runtime that pulls the render
// coordinator from the calling goroutine, for offline rendering and tests.
package host

import (
	"errors"
	"slices"
	"sync"

	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/render"
)

// Manual implements graph.Runtime. Every Pump call is one render quantum:
// each configured channel is pulled once, all with the same host time.
type Manual struct {
	coordinator *render.Coordinator
	frames      int
	hostTimes   bool

	mu       sync.Mutex
	running  bool
	prepared bool
	hostTime uint64
	channels []rendercore.ChannelID
	buffers  map[rendercore.ChannelID]rendercore.AudioBuffer
}

var ErrNotPrepared = errors.New("runtime not prepared")

// NewManual returns a runtime rendering quanta of frames frames. If
// hostTimes is false, pulls carry no timing information at all.
func NewManual(coordinator *render.Coordinator, frames int, hostTimes bool) *Manual {
	return &Manual{
		coordinator: coordinator,
		frames:      frames,
		hostTimes:   hostTimes,
		buffers:     map[rendercore.ChannelID]rendercore.AudioBuffer{},
	}
}

func (m *Manual) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manual) Pause() error {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

func (m *Manual) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.prepared {
		return ErrNotPrepared
	}
	m.running = true
	return nil
}

func (m *Manual) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manual) Reset() {
	m.mu.Lock()
	m.prepared = false
	m.mu.Unlock()
}

func (m *Manual) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if _, ok := m.buffers[ch]; !ok {
			m.buffers[ch] = make(rendercore.AudioBuffer, 2*m.frames)
		}
	}
	m.prepared = true
	return nil
}

func (m *Manual) Configure(channels []rendercore.ChannelID) error {
	m.mu.Lock()
	m.channels = slices.Clone(channels)
	m.mu.Unlock()
	return m.Prepare()
}

// Pump renders n quanta if running and reports how many it rendered.
func (m *Manual) Pump(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0
	}
	for q := 0; q < n; q++ {
		m.hostTime++
		ctx := rendercore.CallbackContext{Frames: m.frames}
		if m.hostTimes {
			ctx.HostTime, ctx.HasHostTime = m.hostTime, true
		}
		for _, ch := range m.channels {
			m.coordinator.OnPull(ch, ctx, m.buffers[ch])
		}
	}
	return n
}

// Output returns the last quantum pulled from ch.
func (m *Manual) Output(ch rendercore.ChannelID) rendercore.AudioBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.buffers[ch])
}

// Channels returns the channels currently pulled.
func (m *Manual) Channels() []rendercore.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.channels)
}
