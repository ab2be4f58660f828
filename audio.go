package rendercore

type (
	// AudioBuffer is an interleaved stereo buffer: element 2*i is the left
	// sample of frame i and element 2*i+1 the right one.
	AudioBuffer []float32

	// Processor is an externally loaded processing unit sitting in an insert
	// or send slot. Process runs on the render path and must not block or
	// allocate.
	Processor interface {
		Process(buffer AudioBuffer)
		Close() error
	}

	// PluginDescriptor names a processor to load and its initial settings.
	PluginDescriptor struct {
		Name     string             `yaml:"name"`
		Settings map[string]float32 `yaml:"settings,omitempty"`
	}
)

// Frames returns the number of stereo frames in the buffer.
func (b AudioBuffer) Frames() int {
	return len(b) / 2
}

// Silence zeroes the buffer.
func (b AudioBuffer) Silence() {
	clear(b)
}
