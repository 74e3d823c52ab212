package grads

import "github.com/x448/float16"

// PackFloat16 converts a gradient slice to IEEE 754 half-precision for the
// wire. Values outside the float16 range saturate to ±Inf, which is the
// usual trade-off of half-precision gradient exchange.
func PackFloat16(vs []float32) []uint16 {
	out := make([]uint16, len(vs))
	for i, v := range vs {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// UnpackFloat16 is the inverse of PackFloat16.
func UnpackFloat16(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}
