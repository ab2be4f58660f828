package host_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/host"
	"github.com/vsariola/rendercore/render"
	"github.com/vsariola/rendercore/timeline"
	"github.com/vsariola/rendercore/vm"
)

func newManual(t *testing.T, hostTimes bool) (*host.Manual, *vm.GoEngine, *timeline.Resolver) {
	t.Helper()
	engine := vm.NewGoEngine()
	require.NoError(t, engine.Initialize(48000, 32))
	resolver := timeline.NewResolver()
	coord := render.NewCoordinator(rendercore.NewHandle(engine), resolver, 0, 32)
	coord.Publish(&render.Plan{Topology: rendercore.MultiChannel, Channels: 3})
	return host.NewManual(coord, 32, hostTimes), engine, resolver
}

func TestStartNeedsPrepare(t *testing.T) {
	m, _, _ := newManual(t, true)
	assert.ErrorIs(t, m.Start(), host.ErrNotPrepared)
	require.NoError(t, m.Configure(render.Channels(rendercore.MultiChannel, 3)))
	require.NoError(t, m.Start())
	assert.True(t, m.Running())
	m.Reset()
	m.Stop()
	assert.ErrorIs(t, m.Start(), host.ErrNotPrepared)
}

func TestPumpPullsEveryChannelOncePerQuantum(t *testing.T) {
	m, engine, resolver := newManual(t, true)
	require.NoError(t, m.Configure(render.Channels(rendercore.MultiChannel, 3)))
	assert.Zero(t, m.Pump(1), "not running")
	require.NoError(t, m.Start())
	assert.Equal(t, 5, m.Pump(5))
	assert.Equal(t, rendercore.SampleTime(5*32), engine.CurrentSampleTime())
	assert.Equal(t, uint64(5), engine.Quanta())
	assert.Zero(t, resolver.DegradedResolves())
	assert.Len(t, m.Output(2), 64)
	assert.Equal(t, []rendercore.ChannelID{0, 1, 2}, m.Channels())
}

func TestPumpWithoutHostTimesIsDegraded(t *testing.T) {
	m, _, resolver := newManual(t, false)
	require.NoError(t, m.Configure(render.Channels(rendercore.MultiChannel, 3)))
	require.NoError(t, m.Start())
	m.Pump(2)
	assert.Equal(t, uint64(6), resolver.DegradedResolves())
}
