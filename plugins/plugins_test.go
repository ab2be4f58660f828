package plugins_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/plugins"
)

func load(t *testing.T, name string, settings map[string]float32) rendercore.Processor {
	t.Helper()
	p, err := plugins.NewLoader(48000, 0).Load(context.Background(), rendercore.PluginDescriptor{Name: name, Settings: settings})
	require.NoError(t, err)
	return p
}

func TestGain(t *testing.T) {
	p := load(t, "gain", map[string]float32{"gain": 0.5})
	buf := rendercore.AudioBuffer{1, -1, 0.5, 2}
	p.Process(buf)
	assert.Equal(t, rendercore.AudioBuffer{0.5, -0.5, 0.25, 1}, buf)
}

func TestLowpassConvergesToDC(t *testing.T) {
	p := load(t, "lowpass", map[string]float32{"cutoff": 2000})
	buf := make(rendercore.AudioBuffer, 2*4800)
	for i := range buf {
		buf[i] = 1
	}
	p.Process(buf)
	assert.Less(t, buf[0], float32(1))
	assert.InDelta(t, 1, buf[len(buf)-1], 1e-3)
}

func TestDelayRepeats(t *testing.T) {
	p := load(t, "delay", map[string]float32{"time": 0.001, "feedback": 0, "mix": 1})
	frames := 48 // 1 ms
	buf := make(rendercore.AudioBuffer, 2*2*frames)
	buf[0] = 1
	p.Process(buf)
	assert.Zero(t, buf[0])
	assert.Equal(t, float32(1), buf[2*frames])
}

func TestLoadErrors(t *testing.T) {
	l := plugins.NewLoader(48000, 0)
	_, err := l.Load(context.Background(), rendercore.PluginDescriptor{Name: "vst"})
	assert.ErrorContains(t, err, "unknown plugin")
	_, err = l.Load(context.Background(), rendercore.PluginDescriptor{Name: "delay", Settings: map[string]float32{"feedback": 2}})
	assert.ErrorContains(t, err, "feedback")
}

func TestLoadIsCancellable(t *testing.T) {
	l := plugins.NewLoader(48000, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Load(ctx, rendercore.PluginDescriptor{Name: "gain"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"delay", "gain", "lowpass"}, plugins.Names())
}
