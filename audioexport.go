package rendercore

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// WriteWav writes buffer as a stereo .wav file: IEEE float by default, 16-bit
// PCM if pcm16 is set.
func WriteWav(w io.Writer, buffer AudioBuffer, sampleRate int, pcm16 bool) error {
	if err := writeWavHeader(w, len(buffer), sampleRate, pcm16); err != nil {
		return fmt.Errorf("writing wav header: %w", err)
	}
	return WriteRaw(w, buffer, pcm16)
}

// WriteRaw writes the samples of buffer without any header.
func WriteRaw(w io.Writer, buffer AudioBuffer, pcm16 bool) error {
	var err error
	if pcm16 {
		ints := make([]int16, len(buffer))
		for i, v := range buffer {
			ints[i] = int16(min(max(int(v*math.MaxInt16), math.MinInt16), math.MaxInt16))
		}
		err = binary.Write(w, binary.LittleEndian, ints)
	} else {
		err = binary.Write(w, binary.LittleEndian, []float32(buffer))
	}
	if err != nil {
		return fmt.Errorf("writing samples: %w", err)
	}
	return nil
}

// writeWavHeader writes the RIFF header for samples interleaved stereo
// samples. Float files get the extended fmt chunk and a fact chunk.
// See http://www-mmsp.ece.mcgill.ca/Documents/AudioFormats/WAVE/WAVE.html
func writeWavHeader(w io.Writer, samples, sampleRate int, pcm16 bool) error {
	const numChannels = 2
	bytesPerSample, fmtChunkSize, format := 4, 18, uint16(3) // IEEE float
	if pcm16 {
		bytesPerSample, fmtChunkSize, format = 2, 16, 1 // PCM
	}
	riffSize := 4 + (8 + fmtChunkSize) + (8 + bytesPerSample*samples)
	if !pcm16 {
		riffSize += 12
	}
	fields := []any{
		[]byte("RIFF"), uint32(riffSize), []byte("WAVE"),
		[]byte("fmt "), uint32(fmtChunkSize),
		format,
		uint16(numChannels),
		uint32(sampleRate),
		uint32(sampleRate * numChannels * bytesPerSample), // bytes per second
		uint16(numChannels * bytesPerSample),              // block align
		uint16(8 * bytesPerSample),                        // bits per sample
	}
	if !pcm16 {
		fields = append(fields,
			uint16(0), // size of the fmt extension
			[]byte("fact"), uint32(4), uint32(samples/numChannels),
		)
	}
	fields = append(fields, []byte("data"), uint32(bytesPerSample*samples))
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}
