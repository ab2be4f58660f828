package oto

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/render"
	"github.com/vsariola/rendercore/timeline"
	"github.com/vsariola/rendercore/vm"
)

func TestFloatBufferToFloat32LE(t *testing.T) {
	dst := make([]byte, 0, 8)
	out := FloatBufferToFloat32LE([]float32{1, -0.5}, dst)
	require.Len(t, out, 8)
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(out)))
	assert.Equal(t, float32(-0.5), math.Float32frombits(binary.LittleEndian.Uint32(out[4:])))
	assert.Equal(t, &dst[:1][0], &out[0], "appends in place")
}

func TestChannelReadersShareTheTimeline(t *testing.T) {
	engine := vm.NewGoEngine()
	require.NoError(t, engine.Initialize(48000, 64))
	engine.ScheduleNoteOn(60, 127, 0, rendercore.TargetPoly|rendercore.TargetResonator)
	resolver := timeline.NewResolver()
	coord := render.NewCoordinator(rendercore.NewHandle(engine), resolver, 0, 64)
	coord.Publish(&render.Plan{Topology: rendercore.MultiChannel, Channels: 2})

	a := newChannelReader(0, coord, 64)
	b := newChannelReader(1, coord, 64)
	var outA, outB []byte
	// the players are read in turns, one quantum at a time
	for q := 0; q < 4; q++ {
		for _, r := range []struct {
			reader *channelReader
			out    *[]byte
		}{{a, &outA}, {b, &outB}} {
			buf := make([]byte, 8*64)
			n, err := r.reader.Read(buf)
			require.NoError(t, err)
			require.Equal(t, len(buf), n)
			*r.out = append(*r.out, buf...)
		}
	}
	assert.Equal(t, outA, outB, "both targets play the same note from the same quanta")
	assert.Equal(t, uint64(4*64), a.position)
	assert.Equal(t, rendercore.SampleTime(4*64), engine.CurrentSampleTime())
	assert.Equal(t, uint64(4), engine.Quanta(), "the second reader is served from the cache")
	assert.Zero(t, resolver.DegradedResolves())
}

func TestReadAcrossQuantumBoundaries(t *testing.T) {
	engine := vm.NewGoEngine()
	require.NoError(t, engine.Initialize(48000, 16))
	coord := render.NewCoordinator(rendercore.NewHandle(engine), timeline.NewResolver(), 0, 16)
	r := newChannelReader(rendercore.BusMain, coord, 16)
	buf := make([]byte, 8*16+12)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, uint64(32), r.position)
	assert.Len(t, r.pending, 8*16-12)
}
