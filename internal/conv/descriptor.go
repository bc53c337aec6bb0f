package conv

import (
	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

// Problem is one forward convolution: an NCHW input, a KCRS filter and the
// convolution geometry.
type Problem struct {
	Input    tensor.Shape
	Filter   tensor.Shape
	Params   accel.ConvParams
	DataType tensor.DataType
}

// Validate checks the shapes and geometry without touching a device.
func (p Problem) Validate() error {
	_, err := p.OutputShape()
	return err
}

// OutputShape derives [N, K, H_out, W_out].
func (p Problem) OutputShape() (tensor.Shape, error) {
	if err := p.Input.Validate4D(); err != nil {
		return nil, fail(ErrShapeMismatch, "input", "%v", err)
	}
	if err := p.Filter.Validate4D(); err != nil {
		return nil, fail(ErrShapeMismatch, "filter", "%v", err)
	}
	if p.Input[1] != p.Filter[1] {
		return nil, fail(ErrShapeMismatch, "filter", "filter has %d channels, input has %d", p.Filter[1], p.Input[1])
	}

	c := p.Params
	if c.PadH < 0 || c.PadW < 0 || c.StrideH <= 0 || c.StrideW <= 0 || c.DilationH <= 0 || c.DilationW <= 0 {
		return nil, fail(ErrShapeMismatch, "convolution",
			"pad %dx%d stride %dx%d dilation %dx%d", c.PadH, c.PadW, c.StrideH, c.StrideW, c.DilationH, c.DilationW)
	}

	out := tensor.Shape{
		p.Input[0],
		p.Filter[0],
		accel.OutputDim(p.Input[2], p.Filter[2], c.PadH, c.StrideH, c.DilationH),
		accel.OutputDim(p.Input[3], p.Filter[3], c.PadW, c.StrideW, c.DilationW),
	}
	if out[2] <= 0 || out[3] <= 0 {
		return nil, fail(ErrShapeMismatch, "output", "filter %v does not fit input %v", p.Filter, p.Input)
	}
	return out, nil
}

// CheckHostData verifies that the host tensors hold exactly as many elements
// as their shapes describe.
func (p Problem) CheckHostData(input, filter []float32) error {
	if want := p.Input.NumElements(); len(input) != want {
		return fail(ErrShapeMismatch, "input", "host data has %d elements, shape %v needs %d", len(input), p.Input, want)
	}
	if want := p.Filter.NumElements(); len(filter) != want {
		return fail(ErrShapeMismatch, "filter", "host data has %d elements, shape %v needs %d", len(filter), p.Filter, want)
	}
	return nil
}

// Descriptors are the library descriptors of a Problem.
type Descriptors struct {
	Input  accel.TensorDesc
	Filter accel.TensorDesc
	Output accel.TensorDesc
	Conv   accel.ConvDesc

	OutputShape tensor.Shape
}

// BuildDescriptors creates the input, filter, convolution and output
// descriptors of p and registers their release with s. The output shape the
// library derives must match p.OutputShape.
func BuildDescriptors(lib accel.Library, s *Scope, p Problem) (*Descriptors, error) {
	want, err := p.OutputShape()
	if err != nil {
		return nil, err
	}

	d := &Descriptors{}
	if d.Input, err = newTensorDescriptor(lib, s, p.DataType, p.Input); err != nil {
		return nil, err
	}
	if d.Filter, err = newTensorDescriptor(lib, s, p.DataType, p.Filter); err != nil {
		return nil, err
	}

	d.Conv, err = lib.CreateConvolutionDescriptor()
	if err != nil {
		return nil, check(ErrLibrary, "CreateConvolutionDescriptor", err)
	}
	conv := d.Conv
	s.Defer("DestroyConvolutionDescriptor", func() error { return lib.DestroyConvolutionDescriptor(conv) })
	if err := lib.InitConvolutionDescriptor(d.Conv, p.Params); err != nil {
		return nil, check(ErrLibrary, "InitConvolutionDescriptor", err)
	}

	got, err := lib.ConvolutionForwardOutputDim(d.Conv, d.Input, d.Filter)
	if err != nil {
		return nil, check(ErrShapeMismatch, "ConvolutionForwardOutputDim", err)
	}
	if !got.Equal(want) {
		return nil, fail(ErrShapeMismatch, "ConvolutionForwardOutputDim", "library derives %v, expected %v", got, want)
	}
	d.OutputShape = want

	if d.Output, err = newTensorDescriptor(lib, s, p.DataType, want); err != nil {
		return nil, err
	}
	return d, nil
}

func newTensorDescriptor(lib accel.Library, s *Scope, dt tensor.DataType, shape tensor.Shape) (accel.TensorDesc, error) {
	d, err := lib.CreateTensorDescriptor()
	if err != nil {
		return 0, check(ErrLibrary, "CreateTensorDescriptor", err)
	}
	s.Defer("DestroyTensorDescriptor", func() error { return lib.DestroyTensorDescriptor(d) })

	if err := lib.SetTensor4d(d, dt, shape[0], shape[1], shape[2], shape[3]); err != nil {
		return 0, check(ErrLibrary, "SetTensor4d", err)
	}
	return d, nil
}
