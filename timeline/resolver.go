// Package timeline turns the heterogeneous timing information of render
// callbacks into one sample counter that all channels of a session agree on.
package timeline

import (
	"sync"
	"sync/atomic"

	"github.com/vsariola/rendercore"
)

type (
	// Resolver produces one authoritative SampleTime per render callback.
	// Resolve is called from the render callbacks of every channel, possibly
	// concurrently; the critical section is O(1) and never blocks on
	// anything but the mutex.
	Resolver struct {
		mu    sync.Mutex
		state State

		degraded atomic.Uint64
	}

	// State is the per-session timeline state. It is reset whenever the
	// graph is torn down and rebuilt.
	State struct {
		NextSynthetic       rendercore.SampleTime
		LastHostTime        uint64
		LastResolved        rendercore.SampleTime
		HasResolvedHostTime bool
	}
)

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the sample time of the render quantum that ctx belongs to.
//
// A valid sample time from the host is returned as is. Otherwise, the first
// callback observing a new host time claims the synthetic counter for that
// quantum and advances it by ctx.Frames; later callbacks with the same host
// time (other channels pulling the same physical buffer) get the same value.
// With neither time valid, the counter is advanced on every call and the
// channels no longer agree; these calls are counted in DegradedResolves.
func (r *Resolver) Resolve(ctx rendercore.CallbackContext) rendercore.SampleTime {
	if ctx.HasSampleTime {
		return ctx.SampleTime
	}
	frames := rendercore.SampleTime(max(ctx.Frames, 0))
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.HasHostTime {
		if r.state.HasResolvedHostTime && r.state.LastHostTime == ctx.HostTime {
			return r.state.LastResolved
		}
		r.state.LastHostTime = ctx.HostTime
		r.state.HasResolvedHostTime = true
		r.state.LastResolved = r.state.NextSynthetic
		r.state.NextSynthetic += frames
		return r.state.LastResolved
	}
	r.degraded.Add(1)
	t := r.state.NextSynthetic
	r.state.NextSynthetic += frames
	return t
}

// Reset clears the state so that counting starts from zero again. It must
// only be called while no render callback is executing, i.e. while the graph
// is paused or stopped.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.state = State{}
	r.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (r *Resolver) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// DegradedResolves returns how many callbacks were resolved without any
// valid timing information since the resolver was created.
func (r *Resolver) DegradedResolves() uint64 {
	return r.degraded.Load()
}
