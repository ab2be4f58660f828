package timeline_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/timeline"
)

func hostCtx(hostTime uint64, frames int, ch rendercore.ChannelID) rendercore.CallbackContext {
	return rendercore.CallbackContext{HostTime: hostTime, HasHostTime: true, Frames: frames, Channel: ch}
}

func TestSameHostTimeAgreesAcrossChannels(t *testing.T) {
	r := timeline.NewResolver()
	r.Resolve(hostCtx(1000, 256, 0)) // move the counter away from zero
	first := r.Resolve(hostCtx(2000, 256, 0))
	for ch := rendercore.ChannelID(1); ch < rendercore.MaxTargets; ch++ {
		assert.Equal(t, first, r.Resolve(hostCtx(2000, 256, ch)), "channel %v", ch)
	}
	assert.Equal(t, rendercore.SampleTime(256), first)
}

func TestConcurrentChannelsAgree(t *testing.T) {
	r := timeline.NewResolver()
	const quanta = 200
	results := make([][quanta]rendercore.SampleTime, rendercore.MaxTargets)
	for q := 0; q < quanta; q++ {
		var wg sync.WaitGroup
		for ch := 0; ch < rendercore.MaxTargets; ch++ {
			wg.Add(1)
			go func(ch int) {
				defer wg.Done()
				results[ch][q] = r.Resolve(hostCtx(uint64(q+1)*7, 64, rendercore.ChannelID(ch)))
			}(ch)
		}
		wg.Wait()
	}
	for ch := 1; ch < rendercore.MaxTargets; ch++ {
		assert.Equal(t, results[0], results[ch])
	}
	assert.Equal(t, rendercore.SampleTime((quanta-1)*64), results[0][quanta-1])
}

func TestDistinctHostTimesAdvanceByFrames(t *testing.T) {
	r := timeline.NewResolver()
	const frames = 480
	prev := r.Resolve(hostCtx(10, frames, 0))
	for i := 2; i < 50; i++ {
		got := r.Resolve(hostCtx(uint64(i)*10, frames, 0))
		require.Equal(t, prev+frames, got)
		prev = got
	}
}

func TestValidSampleTimeIsReturnedAsIs(t *testing.T) {
	r := timeline.NewResolver()
	got := r.Resolve(rendercore.CallbackContext{SampleTime: 12345, HasSampleTime: true, HostTime: 1, HasHostTime: true, Frames: 64})
	assert.Equal(t, rendercore.SampleTime(12345), got)
	assert.Equal(t, timeline.State{}, r.Snapshot())
}

func TestResetStartsFromZero(t *testing.T) {
	r := timeline.NewResolver()
	for i := 0; i < 10; i++ {
		r.Resolve(hostCtx(uint64(i+1), 128, 0))
	}
	r.Resolve(rendercore.CallbackContext{Frames: 128})
	require.NotZero(t, r.Snapshot().NextSynthetic)
	r.Reset()
	assert.Equal(t, timeline.State{}, r.Snapshot())
	// the host time repeats the last one seen before the reset; it must still
	// count as a new quantum
	assert.Equal(t, rendercore.SampleTime(0), r.Resolve(hostCtx(10, 128, 0)))
	r.Reset()
	assert.Equal(t, rendercore.SampleTime(0), r.Resolve(rendercore.CallbackContext{Frames: 128}))
}

func TestDegradedPathCountsAndAdvances(t *testing.T) {
	r := timeline.NewResolver()
	a := r.Resolve(rendercore.CallbackContext{Frames: 100, Channel: 0})
	b := r.Resolve(rendercore.CallbackContext{Frames: 100, Channel: 1})
	assert.Equal(t, rendercore.SampleTime(0), a)
	assert.Equal(t, rendercore.SampleTime(100), b)
	assert.Equal(t, uint64(2), r.DegradedResolves())
}

func TestDegradedPullDoesNotSplitAQuantum(t *testing.T) {
	r := timeline.NewResolver()
	first := r.Resolve(hostCtx(7, 64, 0))
	r.Resolve(rendercore.CallbackContext{Frames: 64, Channel: 2})
	assert.Equal(t, first, r.Resolve(hostCtx(7, 64, 1)))
	assert.Equal(t, first, r.Snapshot().LastResolved)
	assert.Equal(t, rendercore.SampleTime(128), r.Resolve(hostCtx(8, 64, 0)))
}
