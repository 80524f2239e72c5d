package image

import "math"

func int32ToFloat32(v int32) float32 {
	return math.Float32frombits(uint32(v))
}

// Float32Bits encodes f as the little-endian int32 bit pattern expected by
// PutFloat32-style writers elsewhere in this package's callers.
func Float32Bits(f float32) int32 {
	return int32(math.Float32bits(f))
}
