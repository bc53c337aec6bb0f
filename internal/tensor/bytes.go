package tensor

import "unsafe"

// Float32Bytes returns a byte view of data without copying.
func Float32Bytes(data []float32) []byte {
	if len(data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy conversion, length derived from data
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*4)
}

// BytesFloat32 returns a float32 view of b without copying.
// len(b) must be a multiple of 4 and b must be 4-byte aligned.
func BytesFloat32(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy conversion, bounds checked by len(b)/4
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
