// Package plugins is the built-in plugin loader. Plugins are looked up by
// name and configured from the descriptor's settings.
package plugins

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/viterin/vek/vek32"
	"github.com/vsariola/rendercore"
)

type (
	// Loader implements graph.Loader for the built-in plugins.
	Loader struct {
		sampleRate int
		latency    time.Duration
	}

	// Gain scales the signal.
	Gain struct {
		gain float32
	}

	// Lowpass is a one-pole lowpass filter.
	Lowpass struct {
		coeff float32
		state [2]float32
	}

	// Delay is a stereo feedback delay.
	Delay struct {
		line     []float32
		pos      int
		feedback float32
		mix      float32
	}

	constructor func(sampleRate int, settings map[string]float32) (rendercore.Processor, error)
)

var registry = map[string]constructor{
	"gain":    newGain,
	"lowpass": newLowpass,
	"delay":   newDelay,
}

const maxDelaySeconds = 2

// Names returns the names of the built-in plugins.
func Names() []string {
	ret := make([]string, 0, len(registry))
	for name := range registry {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// NewLoader returns a loader for processors running at sampleRate. Every
// load takes at least latency, to behave like a plugin loaded out of process.
func NewLoader(sampleRate int, latency time.Duration) *Loader {
	return &Loader{sampleRate: sampleRate, latency: latency}
}

func (l *Loader) Load(ctx context.Context, desc rendercore.PluginDescriptor) (rendercore.Processor, error) {
	c, ok := registry[desc.Name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q, have %v", desc.Name, Names())
	}
	if l.latency > 0 {
		t := time.NewTimer(l.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p, err := c(l.sampleRate, desc.Settings)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc.Name, err)
	}
	return p, nil
}

func setting(settings map[string]float32, key string, def, lo, hi float32) (float32, error) {
	v, ok := settings[key]
	if !ok {
		return def, nil
	}
	if v < lo || v > hi || math.IsNaN(float64(v)) {
		return 0, fmt.Errorf("setting %s = %v out of range [%v, %v]", key, v, lo, hi)
	}
	return v, nil
}

func newGain(_ int, settings map[string]float32) (rendercore.Processor, error) {
	g, err := setting(settings, "gain", 1, 0, 4)
	if err != nil {
		return nil, err
	}
	return &Gain{gain: g}, nil
}

func (g *Gain) Process(buf rendercore.AudioBuffer) {
	vek32.MulNumber_Inplace(buf, g.gain)
}

func (g *Gain) Close() error { return nil }

func newLowpass(sampleRate int, settings map[string]float32) (rendercore.Processor, error) {
	cutoff, err := setting(settings, "cutoff", 1000, 20, float32(sampleRate)/2)
	if err != nil {
		return nil, err
	}
	coeff := 1 - math.Exp(-2*math.Pi*float64(cutoff)/float64(sampleRate))
	return &Lowpass{coeff: float32(coeff)}, nil
}

func (l *Lowpass) Process(buf rendercore.AudioBuffer) {
	for i := 0; i+1 < len(buf); i += 2 {
		l.state[0] += l.coeff * (buf[i] - l.state[0])
		l.state[1] += l.coeff * (buf[i+1] - l.state[1])
		buf[i], buf[i+1] = l.state[0], l.state[1]
	}
}

func (l *Lowpass) Close() error { return nil }

func newDelay(sampleRate int, settings map[string]float32) (rendercore.Processor, error) {
	seconds, err := setting(settings, "time", 0.25, 0.001, maxDelaySeconds)
	if err != nil {
		return nil, err
	}
	feedback, err := setting(settings, "feedback", 0.4, 0, 0.95)
	if err != nil {
		return nil, err
	}
	mix, err := setting(settings, "mix", 0.3, 0, 1)
	if err != nil {
		return nil, err
	}
	frames := max(1, int(seconds*float32(sampleRate)))
	return &Delay{line: make([]float32, 2*frames), feedback: feedback, mix: mix}, nil
}

func (d *Delay) Process(buf rendercore.AudioBuffer) {
	for i := 0; i+1 < len(buf); i += 2 {
		for c := 0; c < 2; c++ {
			delayed := d.line[d.pos+c]
			d.line[d.pos+c] = buf[i+c] + delayed*d.feedback
			buf[i+c] += (delayed - buf[i+c]) * d.mix
		}
		d.pos += 2
		if d.pos >= len(d.line) {
			d.pos = 0
		}
	}
}

func (d *Delay) Close() error { return nil }
