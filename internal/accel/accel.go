// Package accel defines the contracts of the two external collaborators the
// convolution pipeline drives: an accelerator runtime (devices, memory, copies,
// synchronization) and a neural-network primitives library (descriptors,
// workspace sizing, algorithm search, forward convolution).
//
// All handles are opaque. A backend hands them out and is the only party that
// can interpret them; callers must release each one exactly once.
package accel

import "github.com/born-ml/convdemo/internal/tensor"

// SentinelCapability is the compute capability a runtime reports for a device
// that is enumerated but is not a real GPU.
const SentinelCapability = 9999

// DevicePtr is an opaque handle to device memory.
type DevicePtr uintptr

// Handle is an opaque library context bound to the current device.
type Handle uintptr

// TensorDesc is an opaque tensor descriptor.
type TensorDesc uintptr

// ConvDesc is an opaque convolution descriptor.
type ConvDesc uintptr

// DeviceProps describes an accelerator as reported by the runtime.
type DeviceProps struct {
	Name        string
	Major       int
	Minor       int
	TotalMemory uint64
}

// IsSentinel reports whether the device carries the "not a real GPU" capability.
func (p DeviceProps) IsSentinel() bool {
	return p.Major == SentinelCapability && p.Minor == SentinelCapability
}

// ConvMode selects the convolution flavour.
type ConvMode int

// Convolution modes. Values match the vendor library's enumeration.
const (
	// ModeConvolution is cross-correlation, the deep-learning "convolution".
	ModeConvolution ConvMode = iota
	ModeTranspose
)

// ConvParams holds the geometry of a 2-D convolution descriptor.
type ConvParams struct {
	Mode      ConvMode
	PadH      int
	PadW      int
	StrideH   int
	StrideW   int
	DilationH int
	DilationW int
}

// DefaultConvParams returns a valid convolution: no padding, unit stride and dilation.
func DefaultConvParams() ConvParams {
	return ConvParams{StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1}
}

// OutputDim computes one spatial output extent:
// floor((in + 2*pad - dilation*(k-1) - 1)/stride) + 1.
// The result is <= 0 when the filter does not fit.
func OutputDim(in, k, pad, stride, dilation int) int {
	span := in + 2*pad - dilation*(k-1) - 1
	if span < 0 {
		return 0
	}
	return span/stride + 1
}

// ConvTensors bundles the descriptors and device buffers of one forward convolution.
type ConvTensors struct {
	X             TensorDesc
	XData         DevicePtr
	W             TensorDesc
	WData         DevicePtr
	Conv          ConvDesc
	Y             TensorDesc
	YData         DevicePtr
	Workspace     DevicePtr
	WorkspaceSize uint64
}

// Runtime is the accelerator runtime.
type Runtime interface {
	DeviceCount() (int, error)
	DeviceProperties(ordinal int) (DeviceProps, error)
	SetDevice(ordinal int) error

	Malloc(size uint64) (DevicePtr, error)
	Free(ptr DevicePtr) error

	// MemcpyHtoD and MemcpyDtoH are synchronous and wait for previously
	// queued device work.
	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error

	// Synchronize blocks until the device queue drains and reports any
	// fault raised by asynchronous work.
	Synchronize() error
}

// Library is the neural-network primitives library.
type Library interface {
	CreateHandle() (Handle, error)
	DestroyHandle(h Handle) error

	CreateTensorDescriptor() (TensorDesc, error)
	SetTensor4d(d TensorDesc, dt tensor.DataType, n, c, h, w int) error
	DestroyTensorDescriptor(d TensorDesc) error

	CreateConvolutionDescriptor() (ConvDesc, error)
	InitConvolutionDescriptor(d ConvDesc, p ConvParams) error
	DestroyConvolutionDescriptor(d ConvDesc) error

	// ConvolutionForwardOutputDim returns the NCHW shape the library derives
	// for the output of conv applied to x with filter w.
	ConvolutionForwardOutputDim(conv ConvDesc, x, w TensorDesc) (tensor.Shape, error)

	ConvolutionForwardWorkspaceSize(h Handle, w, x TensorDesc, conv ConvDesc, y TensorDesc) (uint64, error)

	// FindConvolutionForwardAlgorithm benchmarks forward algorithms, writing
	// trial results into the output buffer, and returns up to requested
	// candidates ordered fastest first.
	FindConvolutionForwardAlgorithm(h Handle, t ConvTensors, requested int, exhaustive bool) ([]AlgoPerf, error)

	// ConvolutionForward computes y = alpha*conv(x, w) + beta*y. It is
	// asynchronous with respect to the host.
	ConvolutionForward(h Handle, alpha float32, t ConvTensors, algo FwdAlgorithm, beta float32) error
}

// Backend is a runtime and library pair operating on the same device.
type Backend interface {
	Runtime
	Library

	// Name identifies the backend in logs.
	Name() string

	// Close releases process-level backend state. Handles created through
	// the backend must already be released.
	Close() error
}
