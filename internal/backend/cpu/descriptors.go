package cpu

import (
	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

// CreateHandle creates a library context on the selected device.
func (b *Backend) CreateHandle() (accel.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireDevice("CreateHandle"); err != nil {
		return 0, err
	}
	return b.reg.NewHandle(), nil
}

// DestroyHandle releases a library context.
func (b *Backend) DestroyHandle(h accel.Handle) error {
	b.stream.drain()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.ReleaseHandle(h)
}

// CreateTensorDescriptor creates an unset tensor descriptor.
func (b *Backend) CreateTensorDescriptor() (accel.TensorDesc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.NewTensor(), nil
}

// SetTensor4d declares a dense NCHW tensor.
func (b *Backend) SetTensor4d(d accel.TensorDesc, dt tensor.DataType, n, c, h, w int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.SetTensor4d(d, dt, n, c, h, w)
}

// DestroyTensorDescriptor releases a tensor descriptor.
func (b *Backend) DestroyTensorDescriptor(d accel.TensorDesc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.ReleaseTensor(d)
}

// CreateConvolutionDescriptor creates an uninitialized convolution descriptor.
func (b *Backend) CreateConvolutionDescriptor() (accel.ConvDesc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.NewConv(), nil
}

// InitConvolutionDescriptor sets padding, stride, dilation and mode.
func (b *Backend) InitConvolutionDescriptor(d accel.ConvDesc, p accel.ConvParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.InitConv(d, p)
}

// DestroyConvolutionDescriptor releases a convolution descriptor.
func (b *Backend) DestroyConvolutionDescriptor(d accel.ConvDesc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reg.ReleaseConv(d)
}

// ConvolutionForwardOutputDim derives the output NCHW shape.
func (b *Backend) ConvolutionForwardOutputDim(conv accel.ConvDesc, x, w accel.TensorDesc) (tensor.Shape, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, err := b.reg.Geometry("ConvolutionForwardOutputDim", conv, x, w)
	if err != nil {
		return nil, err
	}
	return g.Y, nil
}

// ConvolutionForwardWorkspaceSize returns the largest workspace any enabled
// algorithm needs for the problem.
func (b *Backend) ConvolutionForwardWorkspaceSize(h accel.Handle, w, x accel.TensorDesc, conv accel.ConvDesc, y accel.TensorDesc) (uint64, error) {
	const call = "ConvolutionForwardWorkspaceSize"

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.reg.CheckHandle(call, h); err != nil {
		return 0, err
	}
	g, err := b.reg.Geometry(call, conv, x, w)
	if err != nil {
		return 0, err
	}
	if err := b.reg.CheckOutput(call, g, y); err != nil {
		return 0, err
	}

	var size uint64
	for _, algo := range b.algorithms {
		size = max(size, workspaceSize(g, algo))
	}
	return size, nil
}
