package vm_test

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/vm"
)

type fired struct {
	event rendercore.ScheduledEvent
	at    rendercore.SampleTime
}

type fireLog struct {
	mu     sync.Mutex
	events []fired
}

func (l *fireLog) hook(e rendercore.ScheduledEvent, at rendercore.SampleTime) {
	l.mu.Lock()
	l.events = append(l.events, fired{e, at})
	l.mu.Unlock()
}

func (l *fireLog) all() []fired {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fired(nil), l.events...)
}

func newEngine(t *testing.T, log *fireLog) *vm.GoEngine {
	t.Helper()
	var opts []vm.Option
	if log != nil {
		opts = append(opts, vm.WithFireHook(log.hook))
	}
	e := vm.NewGoEngine(opts...)
	require.NoError(t, e.Initialize(48000, 256))
	return e
}

func render(t *testing.T, e *vm.GoEngine, ch rendercore.ChannelID, at rendercore.SampleTime, frames int) rendercore.AudioBuffer {
	t.Helper()
	buf := make(rendercore.AudioBuffer, 2*frames)
	require.NoError(t, e.RenderChannel(ch, at, buf))
	return buf
}

func TestRepeatedPullsOfOneQuantumAgree(t *testing.T) {
	e := newEngine(t, nil)
	e.ScheduleNoteOn(69, 127, 0, 0)
	a := render(t, e, 0, 0, 256)
	b := render(t, e, 0, 0, 256)
	assert.Equal(t, a, b)
	assert.NotZero(t, a[2*200])
	render(t, e, rendercore.BusMain, 0, 256)
	assert.Equal(t, uint64(1), e.Quanta())
	assert.Equal(t, rendercore.SampleTime(256), e.CurrentSampleTime())

	c := render(t, e, 0, 256, 256)
	assert.NotEqual(t, a, c)
	assert.Equal(t, uint64(2), e.Quanta())
}

func TestEventsFireAtTheirSampleTime(t *testing.T) {
	log := &fireLog{}
	e := newEngine(t, log)
	e.ScheduleNoteOn(60, 100, 100, rendercore.TargetBass)
	e.ScheduleNoteOn(62, 100, 300, rendercore.TargetBass)
	buf := render(t, e, 4, 0, 256)
	require.Len(t, log.all(), 1)
	assert.Equal(t, rendercore.SampleTime(100), log.all()[0].at)
	assert.Zero(t, buf[2*99], "silent before the note starts")
	assert.Zero(t, render(t, e, 0, 0, 256)[2*200], "other targets untouched")

	render(t, e, 4, 256, 256)
	require.Len(t, log.all(), 2)
	assert.Equal(t, rendercore.SampleTime(300), log.all()[1].at)
	assert.Equal(t, 2, e.Sounding(4))
}

func TestClearScheduledDropsPendingEvents(t *testing.T) {
	log := &fireLog{}
	e := newEngine(t, log)
	e.ScheduleNoteOn(60, 100, 100_000, 0)
	render(t, e, 0, 0, 256)
	assert.Equal(t, 1, e.Pending())
	e.ClearScheduled()
	e.ScheduleNoteOn(64, 100, 600, 0)
	for q := rendercore.SampleTime(1); q*256 <= 100_000+256; q++ {
		render(t, e, 0, q*256, 256)
	}
	events := log.all()
	require.Len(t, events, 1)
	assert.Equal(t, byte(64), events[0].event.Note)
}

func TestClearScheduledKeepsSoundingVoices(t *testing.T) {
	e := newEngine(t, nil)
	e.ScheduleNoteOn(60, 100, 0, 0)
	render(t, e, 0, 0, 256)
	e.ClearScheduled()
	render(t, e, 0, 256, 256)
	assert.Equal(t, 1, e.Sounding(0))
}

func TestTimelineRestartDropsPendingEvents(t *testing.T) {
	log := &fireLog{}
	e := newEngine(t, log)
	render(t, e, 0, 10_000, 256)
	e.ScheduleNoteOn(60, 100, 20_000, 0)
	render(t, e, 0, 10_256, 256)
	assert.Equal(t, 1, e.Pending())
	render(t, e, 0, 0, 256)
	assert.Zero(t, e.Pending())
	assert.Equal(t, rendercore.SampleTime(256), e.CurrentSampleTime())
}

func TestTimelineRestartReleasesHeldNotes(t *testing.T) {
	e := newEngine(t, nil)
	require.NoError(t, e.SetParameter(rendercore.ParamRelease, 0, 0))
	e.ScheduleNoteOn(60, 100, 10_000, 0)
	e.ScheduleNoteOff(60, 20_000, 0)
	render(t, e, 0, 10_000, 256)
	assert.Equal(t, 1, e.Sounding(0))
	render(t, e, 0, 0, 256)
	render(t, e, 0, 256, 256)
	assert.Zero(t, e.Pending())
	assert.Zero(t, e.Sounding(0), "note off dropped by the restart still releases the voice")
}

func TestFarFutureEventDoesNotBlockEarlierOnes(t *testing.T) {
	log := &fireLog{}
	e := newEngine(t, log)
	e.ScheduleNoteOn(60, 100, 10, 0)
	e.ScheduleNoteOn(62, 100, math.MaxUint64, 0)
	for q := rendercore.SampleTime(0); q < 4; q++ {
		render(t, e, 0, q*64, 64)
	}
	events := log.all()
	require.Len(t, events, 1)
	assert.Equal(t, rendercore.SampleTime(10), events[0].at)
	assert.Equal(t, 1, e.Pending())
}

func TestSendLevels(t *testing.T) {
	e := newEngine(t, nil)
	require.NoError(t, e.SetParameter(rendercore.ParamSendA, 0, 0.5))
	e.ScheduleNoteOn(69, 127, 0, 0)
	main := render(t, e, rendercore.BusMain, 0, 256)
	sendA := render(t, e, rendercore.BusSendA, 0, 256)
	sendB := render(t, e, rendercore.BusSendB, 0, 256)
	ch0 := render(t, e, 0, 0, 256)
	assert.InDelta(t, ch0[400]*0.8, main[400], 1e-6)
	assert.InDelta(t, ch0[400]*0.5, sendA[400], 1e-6)
	assert.Zero(t, sendB[400])
}

func TestParameters(t *testing.T) {
	e := vm.NewGoEngine()
	v, err := e.Parameter(rendercore.ParamFilterCutoff, 3)
	require.NoError(t, err)
	assert.Equal(t, float32(20000), v)

	require.NoError(t, e.SetParameter(rendercore.ParamTargetGain, 3, 5))
	v, _ = e.Parameter(rendercore.ParamTargetGain, 3)
	assert.Equal(t, float32(2), v)
	v, _ = e.Parameter(rendercore.ParamTargetGain, 2)
	assert.Equal(t, float32(1), v)

	require.NoError(t, e.SetParameter(rendercore.ParamMasterGain, 7, 0.5))
	v, _ = e.Parameter(rendercore.ParamMasterGain, 0)
	assert.Equal(t, float32(0.5), v)

	assert.Error(t, e.SetParameter(rendercore.ParamPan, rendercore.MaxTargets, 0))
	assert.Error(t, e.SetParameter(rendercore.NumParams, 0, 0))
}

func TestRenderErrors(t *testing.T) {
	e := vm.NewGoEngine()
	buf := make(rendercore.AudioBuffer, 16)
	assert.Error(t, e.RenderChannel(0, 0, buf), "not initialized")
	require.NoError(t, e.Initialize(48000, 4))
	assert.Error(t, e.RenderChannel(0, 0, buf), "more frames than the block size")
	assert.Error(t, e.RenderChannel(99, 0, buf[:8]))
	require.NoError(t, e.Close())
	assert.Error(t, e.RenderChannel(0, 0, buf[:8]))
}
