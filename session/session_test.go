package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/config"
	"github.com/vsariola/rendercore/graph"
	"github.com/vsariola/rendercore/health"
	"github.com/vsariola/rendercore/host"
	"github.com/vsariola/rendercore/render"
	"github.com/vsariola/rendercore/session"
	"github.com/vsariola/rendercore/vm"
)

type manualClock struct {
	mu      sync.Mutex
	pending []func()
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

func (c *manualClock) AfterFunc(d time.Duration, f func()) health.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, f)
	return nopTimer{}
}

func (c *manualClock) armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// fire runs every scheduled function on the calling goroutine.
func (c *manualClock) fire() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

type fixture struct {
	session *session.Session
	runtime *host.Manual
	engine  *vm.GoEngine
	clock   *manualClock
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BlockSize = 64
	cfg.Channels = 2
	cfg.StartupMute = 0
	return cfg
}

func newFixture(t *testing.T, cfg config.Config, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{engine: vm.NewGoEngine(), clock: &manualClock{}}
	newRuntime := func(c *render.Coordinator) (graph.Runtime, error) {
		f.runtime = host.NewManual(c, cfg.BlockSize, true)
		return f.runtime, nil
	}
	s, err := session.New(cfg, f.engine, newRuntime, append(opts, session.WithClock(f.clock))...)
	require.NoError(t, err)
	f.session = s
	t.Cleanup(func() { s.Close() })
	f.wait(t)
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.session.WaitIdle(ctx))
}

func TestLiveNoteIsRendered(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start())
	require.NoError(t, f.session.LiveNoteOn(60, 127, 0))
	assert.Equal(t, 8, f.runtime.Pump(8))

	now, err := f.session.CurrentSampleTime()
	require.NoError(t, err)
	assert.Equal(t, rendercore.SampleTime(8*64), now)
	levels := make([]render.Level, render.NumLevels)
	require.Equal(t, render.NumLevels, f.session.Levels(levels))
	assert.Greater(t, levels[render.LevelIndex(rendercore.BusMain)].Peak, float32(0))
	assert.Equal(t, 1, f.engine.Sounding(0))

	state := f.session.State()
	assert.True(t, state.Running)
	assert.Equal(t, rendercore.Simple, state.Topology)
	assert.NoError(t, state.Err)
}

func TestStalledMultiChannelFallsBack(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start())
	require.True(t, f.session.EnableTopology(rendercore.MultiChannel))
	f.wait(t)
	assert.Equal(t, []rendercore.ChannelID{0, 1}, f.runtime.Channels())
	require.Eventually(t, f.clock.armed, time.Second, time.Millisecond)

	// the host never pulled the new channels
	f.clock.fire()
	f.wait(t)
	state := f.session.State()
	assert.Equal(t, rendercore.Simple, state.Topology)
	assert.True(t, state.Running)
	assert.Equal(t, []rendercore.ChannelID{rendercore.BusMain}, f.runtime.Channels())
}

func TestPulledMultiChannelStays(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start())
	require.True(t, f.session.EnableTopology(rendercore.MultiChannel))
	f.wait(t)
	require.Eventually(t, f.clock.armed, time.Second, time.Millisecond)

	f.runtime.Pump(2)
	f.clock.fire()
	f.wait(t)
	state := f.session.State()
	assert.Equal(t, rendercore.MultiChannel, state.Topology)
	assert.Equal(t, int64(2), state.Rebuilds)
}

func TestLoadConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = []config.SlotConfig{
		{Slot: "insert0", Plugin: "gain"},
		{Slot: "send1", Plugin: "delay", Bypass: true},
	}
	f := newFixture(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.session.LoadConfigured(ctx))

	states := map[graph.Target]graph.SlotState{}
	for _, s := range f.session.State().Graph.Slots {
		states[s.Target] = s.State
	}
	assert.Equal(t, graph.Loaded, states[graph.Insert(0)])
	assert.Equal(t, graph.Bypassed, states[graph.Send(1)])
	assert.Equal(t, graph.Empty, states[graph.Send(0)])
}

func TestLoadConfiguredReportsUnknownPlugin(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = []config.SlotConfig{{Slot: "insert1", Plugin: "reverb"}}
	f := newFixture(t, cfg)
	err := f.session.LoadConfigured(context.Background())
	var loadErr *rendercore.PluginLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "reverb", loadErr.Descriptor.Name)
}

func TestParametersAreClamped(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.SetParameter(rendercore.ParamMasterGain, 0, 5))
	v, err := f.session.Parameter(rendercore.ParamMasterGain, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(2), v)
}

func TestMetricsAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, testConfig(), session.WithRegisterer(reg))
	require.NoError(t, f.session.Start())
	f.runtime.Pump(3)

	n, err := testutil.GatherAndCount(reg, "rendercore_render_pulls_total", "rendercore_engine_dropped_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = testutil.GatherAndCount(reg, "rendercore_graph_mutations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the initial build is a topology mutation")
}

func TestPollLevels(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	var got int
	err := f.session.PollLevels(ctx, time.Millisecond, func(l []render.Level) {
		got = len(l)
		cancel()
	})
	require.NoError(t, err)
	assert.Equal(t, render.NumLevels, got)
}

func TestCloseDetachesEngine(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.session.Start())
	require.NoError(t, f.session.Close())
	_, err := f.session.CurrentSampleTime()
	assert.ErrorIs(t, err, rendercore.ErrEngineNotReady)
	assert.False(t, f.runtime.Running())
	assert.NoError(t, f.session.Close())
}
