package oto

import (
	"encoding/binary"
	"math"
)

// FloatBufferToFloat32LE appends buff to dst as little-endian 32-bit floats
// and returns the extended slice. dst should have enough capacity to avoid
// allocating.
func FloatBufferToFloat32LE(buff []float32, dst []byte) []byte {
	for _, v := range buff {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}
