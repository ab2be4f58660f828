package vm

import "math"

type (
	voice struct {
		note              byte
		velocity          float32
		sustain           bool
		level             float32
		phase             float64
		samplesSinceEvent int
	}

	// target is one independent synthesis target: a small pool of sine
	// voices with a linear attack/release envelope.
	target struct {
		voices [voicesPerTarget]voice
	}

	// targetParams are the per-target parameters, read once per rendered
	// span.
	targetParams struct {
		gain, pan       float32
		attack, release float32
		detune          float32
	}
)

const voicesPerTarget = 4

func (t *target) trigger(note, velocity byte) {
	// prefer the oldest released voice, then the oldest sounding one
	oldest := 0
	oldestReleased := false
	age := -1
	for i := range t.voices {
		v := &t.voices[i]
		if (!v.sustain && !oldestReleased) || (!v.sustain == oldestReleased && v.samplesSinceEvent > age) {
			oldest = i
			oldestReleased = !v.sustain
			age = v.samplesSinceEvent
		}
	}
	v := &t.voices[oldest]
	if v.note != note || v.level == 0 {
		v.phase = 0
	}
	v.note = note
	v.velocity = float32(velocity) / 127
	v.sustain = true
	v.samplesSinceEvent = 0
}

func (t *target) release(note byte) {
	for i := range t.voices {
		if v := &t.voices[i]; v.sustain && v.note == note {
			v.sustain = false
			v.samplesSinceEvent = 0
		}
	}
}

// render adds the target's voices into the interleaved stereo buffer out.
func (t *target) render(out []float32, p targetParams, sampleRate float64) {
	attackStep := envelopeStep(p.attack, sampleRate)
	releaseStep := envelopeStep(p.release, sampleRate)
	left := p.gain * min(1, 1-p.pan)
	right := p.gain * min(1, 1+p.pan)
	frames := len(out) / 2
	for i := range t.voices {
		v := &t.voices[i]
		v.samplesSinceEvent += frames
		if !v.sustain && v.level == 0 {
			continue
		}
		freq := 440 * math.Exp2((float64(v.note)-69+float64(p.detune))/12)
		inc := 2 * math.Pi * freq / sampleRate
		for j := 0; j < frames; j++ {
			if v.sustain {
				v.level = min(v.level+attackStep, v.velocity)
			} else {
				v.level = max(v.level-releaseStep, 0)
			}
			s := float32(math.Sin(v.phase)) * v.level
			v.phase += inc
			if v.phase > 2*math.Pi {
				v.phase -= 2 * math.Pi
			}
			out[2*j] += s * left
			out[2*j+1] += s * right
		}
	}
}

func (t *target) sounding() int {
	n := 0
	for _, v := range t.voices {
		if v.sustain || v.level > 0 {
			n++
		}
	}
	return n
}

func envelopeStep(seconds float32, sampleRate float64) float32 {
	if seconds <= 0 {
		return 1
	}
	return float32(1 / (float64(seconds) * sampleRate))
}
