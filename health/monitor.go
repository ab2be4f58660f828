// Package health detects a multi-channel graph that the host stopped
// pulling and falls back to the simple topology.
package health

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vsariola/rendercore"
)

type (
	// Clock schedules deferred calls. The real clock is time.AfterFunc.
	Clock interface {
		AfterFunc(d time.Duration, f func()) Timer
	}

	Timer interface {
		Stop() bool
	}

	// Recorder is told about every detected stall.
	Recorder interface {
		Stalled()
	}

	// Monitor runs at most one deferred check at a time. When the check
	// finds that the engine's sample counter did not move since the check
	// was armed, the fallback is called from the clock's goroutine.
	Monitor struct {
		handle   *rendercore.Handle
		fallback func() error
		clock    Clock
		delay    time.Duration
		log      logrus.FieldLogger
		recorder Recorder

		mu      sync.Mutex
		pending *probe
	}

	probe struct {
		start    rendercore.SampleTime
		deadline time.Time
		timer    Timer
	}

	Option func(*Monitor)

	realClock   struct{}
	nopRecorder struct{}
)

const DefaultDelay = 750 * time.Millisecond

func WithClock(c Clock) Option               { return func(m *Monitor) { m.clock = c } }
func WithDelay(d time.Duration) Option       { return func(m *Monitor) { m.delay = d } }
func WithLogger(l logrus.FieldLogger) Option { return func(m *Monitor) { m.log = l } }
func WithRecorder(r Recorder) Option         { return func(m *Monitor) { m.recorder = r } }

func New(handle *rendercore.Handle, fallback func() error, options ...Option) *Monitor {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	m := &Monitor{
		handle:   handle,
		fallback: fallback,
		clock:    realClock{},
		delay:    DefaultDelay,
		log:      discard,
		recorder: nopRecorder{},
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Arm captures the engine's current sample time and schedules a check. It
// does nothing if a check is already pending or no engine is attached.
func (m *Monitor) Arm() bool {
	e, err := m.handle.Load()
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return false
	}
	p := &probe{start: e.CurrentSampleTime(), deadline: time.Now().Add(m.delay)}
	p.timer = m.clock.AfterFunc(m.delay, func() { m.check(p) })
	m.pending = p
	return true
}

// Cancel drops the pending check, if any.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.timer.Stop()
		m.pending = nil
	}
}

// Pending reports whether a check is scheduled.
func (m *Monitor) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Deadline returns when the pending check runs.
func (m *Monitor) Deadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return time.Time{}, false
	}
	return m.pending.deadline, true
}

func (m *Monitor) check(p *probe) {
	m.mu.Lock()
	if m.pending != p {
		m.mu.Unlock()
		return // cancelled
	}
	m.pending = nil
	m.mu.Unlock()
	e, err := m.handle.Load()
	if err != nil {
		return
	}
	now := e.CurrentSampleTime()
	if now != p.start {
		return
	}
	m.recorder.Stalled()
	m.log.WithFields(logrus.Fields{"sample_time": uint64(now), "armed_for": m.delay}).Warn("render path stalled, falling back to simple topology")
	if err := m.fallback(); err != nil {
		m.log.WithError(err).Error("fallback failed")
	}
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (nopRecorder) Stalled() {}
