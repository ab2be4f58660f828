package render

import "math"

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func f32bits(x float32) uint32 {
	return math.Float32bits(x)
}

func f32frombits(b uint32) float32 {
	return math.Float32frombits(b)
}
