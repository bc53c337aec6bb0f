package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Shape represents the dimensions of a tensor.
// Convolution tensors are always 4-D: [N, C, H, W] for data, [K, C, R, S] for filters.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Validate4D checks that the shape has exactly four positive dimensions.
func (s Shape) Validate4D() error {
	if len(s) != 4 {
		return fmt.Errorf("expected 4 dimensions, got %d (%v)", len(s), s)
	}
	return s.Validate()
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Offset returns the flat row-major index of a 4-D coordinate:
// ((n*C + c)*H + h)*W + w.
func (s Shape) Offset(n, c, h, w int) int {
	return ((n*s[1]+c)*s[2]+h)*s[3] + w
}

// ByteSize returns the number of bytes a dense tensor of this shape occupies.
func (s Shape) ByteSize(dt DataType) uint64 {
	//nolint:gosec // G115: NumElements of a validated shape is positive
	return uint64(s.NumElements()) * uint64(dt.Size())
}

// String formats the shape as NxCxHxW.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		parts[i] = strconv.Itoa(dim)
	}
	return strings.Join(parts, "x")
}
