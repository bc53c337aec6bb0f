// Package registry keeps the library handles and descriptors of backends that
// interpret them on the host. A Registry is not safe for concurrent use; the
// owning backend guards it with its own mutex.
package registry

import (
	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

type tensorDesc struct {
	dtype tensor.DataType
	shape tensor.Shape // nil until SetTensor4d
}

type convDesc struct {
	params accel.ConvParams
	set    bool
}

// Geometry is a validated forward convolution problem.
//
// Input shape: [N, C, H, W]
// Filter shape: [K, C, R, S]
// Output shape: [N, K, H_out, W_out]
type Geometry struct {
	X, W, Y  tensor.Shape
	Params   accel.ConvParams
	DataType tensor.DataType
}

// Registry hands out opaque values for handles, descriptors and any other
// resource the backend names, so no two live resources share a value.
type Registry struct {
	nextID  uintptr
	handles map[accel.Handle]struct{}
	tensors map[accel.TensorDesc]*tensorDesc
	convs   map[accel.ConvDesc]*convDesc
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		nextID:  0x1000,
		handles: make(map[accel.Handle]struct{}),
		tensors: make(map[accel.TensorDesc]*tensorDesc),
		convs:   make(map[accel.ConvDesc]*convDesc),
	}
}

// ID hands out the next opaque value.
func (r *Registry) ID() uintptr {
	r.nextID += 0x10
	return r.nextID
}

// Len reports the live handles, tensor descriptors and convolution descriptors.
func (r *Registry) Len() (handles, tensors, convs int) {
	return len(r.handles), len(r.tensors), len(r.convs)
}

// NewHandle registers a library context.
func (r *Registry) NewHandle() accel.Handle {
	h := accel.Handle(r.ID())
	r.handles[h] = struct{}{}
	return h
}

// CheckHandle fails with BadParm unless h is live.
func (r *Registry) CheckHandle(call string, h accel.Handle) error {
	if _, ok := r.handles[h]; !ok {
		return accel.Errorf(call, accel.StatusBadParm, "unknown handle %#x", uintptr(h))
	}
	return nil
}

// ReleaseHandle forgets h.
func (r *Registry) ReleaseHandle(h accel.Handle) error {
	if err := r.CheckHandle("DestroyHandle", h); err != nil {
		return err
	}
	delete(r.handles, h)
	return nil
}

// NewTensor registers an unset tensor descriptor.
func (r *Registry) NewTensor() accel.TensorDesc {
	d := accel.TensorDesc(r.ID())
	r.tensors[d] = &tensorDesc{}
	return d
}

// SetTensor4d declares d a dense NCHW tensor of dt.
func (r *Registry) SetTensor4d(d accel.TensorDesc, dt tensor.DataType, n, c, h, w int) error {
	desc, ok := r.tensors[d]
	if !ok {
		return accel.Errorf("SetTensor4d", accel.StatusBadParm, "unknown tensor descriptor %#x", uintptr(d))
	}
	shape := tensor.Shape{n, c, h, w}
	if err := shape.Validate(); err != nil {
		return accel.Errorf("SetTensor4d", accel.StatusBadParm, "%v", err)
	}
	if dt != tensor.Float16 && dt != tensor.Float32 {
		return accel.Errorf("SetTensor4d", accel.StatusBadParm, "unsupported data type %d", int(dt))
	}
	desc.dtype = dt
	desc.shape = shape
	return nil
}

// ReleaseTensor forgets d.
func (r *Registry) ReleaseTensor(d accel.TensorDesc) error {
	if _, ok := r.tensors[d]; !ok {
		return accel.Errorf("DestroyTensorDescriptor", accel.StatusBadParm, "unknown tensor descriptor %#x", uintptr(d))
	}
	delete(r.tensors, d)
	return nil
}

// NewConv registers an uninitialized convolution descriptor.
func (r *Registry) NewConv() accel.ConvDesc {
	d := accel.ConvDesc(r.ID())
	r.convs[d] = &convDesc{}
	return d
}

// InitConv sets padding, stride, dilation and mode. Only cross-correlation
// is supported.
func (r *Registry) InitConv(d accel.ConvDesc, p accel.ConvParams) error {
	const call = "InitConvolutionDescriptor"

	desc, ok := r.convs[d]
	if !ok {
		return accel.Errorf(call, accel.StatusBadParm, "unknown convolution descriptor %#x", uintptr(d))
	}
	switch {
	case p.Mode != accel.ModeConvolution:
		return accel.Errorf(call, accel.StatusUnsupportedOp, "mode %d", int(p.Mode))
	case p.PadH < 0 || p.PadW < 0:
		return accel.Errorf(call, accel.StatusBadParm, "negative padding %dx%d", p.PadH, p.PadW)
	case p.StrideH <= 0 || p.StrideW <= 0:
		return accel.Errorf(call, accel.StatusBadParm, "non-positive stride %dx%d", p.StrideH, p.StrideW)
	case p.DilationH <= 0 || p.DilationW <= 0:
		return accel.Errorf(call, accel.StatusBadParm, "non-positive dilation %dx%d", p.DilationH, p.DilationW)
	}
	desc.params = p
	desc.set = true
	return nil
}

// ReleaseConv forgets d.
func (r *Registry) ReleaseConv(d accel.ConvDesc) error {
	if _, ok := r.convs[d]; !ok {
		return accel.Errorf("DestroyConvolutionDescriptor", accel.StatusBadParm, "unknown convolution descriptor %#x", uintptr(d))
	}
	delete(r.convs, d)
	return nil
}

// Geometry resolves and validates a convolution problem's shapes.
func (r *Registry) Geometry(call string, conv accel.ConvDesc, x, w accel.TensorDesc) (*Geometry, error) {
	cd, ok := r.convs[conv]
	if !ok || !cd.set {
		return nil, accel.Errorf(call, accel.StatusBadParm, "convolution descriptor %#x not initialized", uintptr(conv))
	}
	xd, ok := r.tensors[x]
	if !ok || xd.shape == nil {
		return nil, accel.Errorf(call, accel.StatusBadParm, "input descriptor %#x not set", uintptr(x))
	}
	wd, ok := r.tensors[w]
	if !ok || wd.shape == nil {
		return nil, accel.Errorf(call, accel.StatusBadParm, "filter descriptor %#x not set", uintptr(w))
	}
	if xd.shape[1] != wd.shape[1] {
		return nil, accel.Errorf(call, accel.StatusBadParm, "input channels %d != filter channels %d", xd.shape[1], wd.shape[1])
	}

	p := cd.params
	hOut := accel.OutputDim(xd.shape[2], wd.shape[2], p.PadH, p.StrideH, p.DilationH)
	wOut := accel.OutputDim(xd.shape[3], wd.shape[3], p.PadW, p.StrideW, p.DilationW)
	if hOut <= 0 || wOut <= 0 {
		return nil, accel.Errorf(call, accel.StatusBadParm, "filter %v does not fit input %v", wd.shape, xd.shape)
	}

	return &Geometry{
		X:        xd.shape,
		W:        wd.shape,
		Y:        tensor.Shape{xd.shape[0], wd.shape[0], hOut, wOut},
		Params:   p,
		DataType: xd.dtype,
	}, nil
}

// CheckOutput verifies that y describes the derived output shape.
func (r *Registry) CheckOutput(call string, g *Geometry, y accel.TensorDesc) error {
	yd, ok := r.tensors[y]
	if !ok || yd.shape == nil {
		return accel.Errorf(call, accel.StatusBadParm, "output descriptor %#x not set", uintptr(y))
	}
	if !yd.shape.Equal(g.Y) {
		return accel.Errorf(call, accel.StatusBadParm, "output descriptor %v, convolution produces %v", yd.shape, g.Y)
	}
	return nil
}
