// Package tensor provides the shape and element-type metadata shared by the
// convolution pipeline and its backends.
package tensor

// DataType represents the element type a tensor descriptor declares.
type DataType int

// Supported data types for tensors.
// Values match the vendor library's enumeration so backends can pass them through.
const (
	Float16 DataType = iota
	Float32
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float16:
		return 2
	case Float32:
		return 4
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}
