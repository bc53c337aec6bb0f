// Package acceltest provides a recording accel.Backend for tests.
//
// Tracker forwards every call to a wrapped backend while it records the call
// sequence, the resources acquired and released, and any double release. Faults
// can be injected per call name, and device enumeration can be overridden to
// simulate machines without a usable GPU.
package acceltest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

// Kind classifies a tracked resource.
type Kind string

// Resource kinds.
const (
	KindBuffer     Kind = "buffer"
	KindHandle     Kind = "handle"
	KindTensorDesc Kind = "tensor-descriptor"
	KindConvDesc   Kind = "convolution-descriptor"
)

// Resource identifies one acquired handle or buffer.
type Resource struct {
	Kind Kind
	ID   uintptr
}

// String formats the resource as its kind followed by its hex ID.
func (r Resource) String() string {
	return fmt.Sprintf("%s %#x", r.Kind, r.ID)
}

var _ accel.Backend = (*Tracker)(nil)

// Tracker wraps an accel.Backend and records how it is driven.
type Tracker struct {
	inner accel.Backend

	mu          sync.Mutex
	calls       []string
	faults      map[string]*accel.Error
	live        map[Resource]struct{}
	acquired    []Resource
	released    []Resource
	doubleFrees []Resource

	deviceCount *int
	props       *accel.DeviceProps
}

// New wraps inner.
func New(inner accel.Backend) *Tracker {
	return &Tracker{
		inner:  inner,
		faults: make(map[string]*accel.Error),
		live:   make(map[Resource]struct{}),
	}
}

// Fail makes every later call named call return status without reaching the
// wrapped backend. Call names are the accel method names, e.g. "Malloc".
func (t *Tracker) Fail(call string, status accel.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[call] = accel.NewError(call, status)
}

// Clear removes a fault installed by Fail.
func (t *Tracker) Clear(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.faults, call)
}

// SetDeviceCount overrides the number of devices reported.
func (t *Tracker) SetDeviceCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deviceCount = &n
}

// SetProperties overrides the properties reported for every ordinal.
func (t *Tracker) SetProperties(p accel.DeviceProps) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.props = &p
}

// Calls returns the names of all calls made so far, in order.
func (t *Tracker) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

// Acquired returns every resource in creation order.
func (t *Tracker) Acquired() []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.acquired)
}

// Released returns every successfully released resource in release order.
func (t *Tracker) Released() []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.released)
}

// Leaks returns resources that were acquired and never released, in creation order.
func (t *Tracker) Leaks() []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	var leaks []Resource
	for _, r := range t.acquired {
		if _, ok := t.live[r]; ok {
			leaks = append(leaks, r)
		}
	}
	return leaks
}

// DoubleFrees returns resources released when they were not live.
func (t *Tracker) DoubleFrees() []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.doubleFrees)
}

// Reset clears the recorded history but keeps faults and overrides.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
	t.acquired = nil
	t.released = nil
	t.doubleFrees = nil
	clear(t.live)
}

// enter records a call and returns its injected fault, if any.
func (t *Tracker) enter(call string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
	if f, ok := t.faults[call]; ok {
		return f
	}
	return nil
}

func (t *Tracker) acquire(kind Kind, id uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Resource{Kind: kind, ID: id}
	t.live[r] = struct{}{}
	t.acquired = append(t.acquired, r)
}

// release records a release attempt before it reaches the backend so a
// double release is noticed even when the backend rejects it.
func (t *Tracker) release(kind Kind, id uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Resource{Kind: kind, ID: id}
	if _, ok := t.live[r]; !ok {
		t.doubleFrees = append(t.doubleFrees, r)
		return
	}
	delete(t.live, r)
	t.released = append(t.released, r)
}

// Name returns the wrapped backend's name.
func (t *Tracker) Name() string { return t.inner.Name() }

// Close closes the wrapped backend.
func (t *Tracker) Close() error { return t.inner.Close() }

// DeviceCount returns the override if one is set.
func (t *Tracker) DeviceCount() (int, error) {
	if err := t.enter("DeviceCount"); err != nil {
		return 0, err
	}
	t.mu.Lock()
	override := t.deviceCount
	t.mu.Unlock()
	if override != nil {
		return *override, nil
	}
	return t.inner.DeviceCount()
}

// DeviceProperties returns the override if one is set.
func (t *Tracker) DeviceProperties(ordinal int) (accel.DeviceProps, error) {
	if err := t.enter("DeviceProperties"); err != nil {
		return accel.DeviceProps{}, err
	}
	t.mu.Lock()
	override := t.props
	t.mu.Unlock()
	if override != nil {
		return *override, nil
	}
	return t.inner.DeviceProperties(ordinal)
}

// SetDevice records the call and forwards it.
func (t *Tracker) SetDevice(ordinal int) error {
	if err := t.enter("SetDevice"); err != nil {
		return err
	}
	return t.inner.SetDevice(ordinal)
}

// Malloc records the call and, on success, the acquired resource.
func (t *Tracker) Malloc(size uint64) (accel.DevicePtr, error) {
	if err := t.enter("Malloc"); err != nil {
		return 0, err
	}
	p, err := t.inner.Malloc(size)
	if err != nil {
		return 0, err
	}
	t.acquire(KindBuffer, uintptr(p))
	return p, nil
}

// Free records the release, then forwards it.
func (t *Tracker) Free(ptr accel.DevicePtr) error {
	if err := t.enter("Free"); err != nil {
		return err
	}
	t.release(KindBuffer, uintptr(ptr))
	return t.inner.Free(ptr)
}

// MemcpyHtoD records the call and forwards it.
func (t *Tracker) MemcpyHtoD(dst accel.DevicePtr, src []byte) error {
	if err := t.enter("MemcpyHtoD"); err != nil {
		return err
	}
	return t.inner.MemcpyHtoD(dst, src)
}

// MemcpyDtoH records the call and forwards it.
func (t *Tracker) MemcpyDtoH(dst []byte, src accel.DevicePtr) error {
	if err := t.enter("MemcpyDtoH"); err != nil {
		return err
	}
	return t.inner.MemcpyDtoH(dst, src)
}

// Synchronize forwards to the wrapped backend. An injected fault still drains it.
func (t *Tracker) Synchronize() error {
	if err := t.enter("Synchronize"); err != nil {
		_ = t.inner.Synchronize()
		return err
	}
	return t.inner.Synchronize()
}

// CreateHandle records the call and, on success, the acquired resource.
func (t *Tracker) CreateHandle() (accel.Handle, error) {
	if err := t.enter("CreateHandle"); err != nil {
		return 0, err
	}
	h, err := t.inner.CreateHandle()
	if err != nil {
		return 0, err
	}
	t.acquire(KindHandle, uintptr(h))
	return h, nil
}

// DestroyHandle records the release, then forwards it.
func (t *Tracker) DestroyHandle(h accel.Handle) error {
	if err := t.enter("DestroyHandle"); err != nil {
		return err
	}
	t.release(KindHandle, uintptr(h))
	return t.inner.DestroyHandle(h)
}

// CreateTensorDescriptor records the call and, on success, the acquired resource.
func (t *Tracker) CreateTensorDescriptor() (accel.TensorDesc, error) {
	if err := t.enter("CreateTensorDescriptor"); err != nil {
		return 0, err
	}
	d, err := t.inner.CreateTensorDescriptor()
	if err != nil {
		return 0, err
	}
	t.acquire(KindTensorDesc, uintptr(d))
	return d, nil
}

// SetTensor4d records the call and forwards it.
func (t *Tracker) SetTensor4d(d accel.TensorDesc, dt tensor.DataType, n, c, h, w int) error {
	if err := t.enter("SetTensor4d"); err != nil {
		return err
	}
	return t.inner.SetTensor4d(d, dt, n, c, h, w)
}

// DestroyTensorDescriptor records the release, then forwards it.
func (t *Tracker) DestroyTensorDescriptor(d accel.TensorDesc) error {
	if err := t.enter("DestroyTensorDescriptor"); err != nil {
		return err
	}
	t.release(KindTensorDesc, uintptr(d))
	return t.inner.DestroyTensorDescriptor(d)
}

// CreateConvolutionDescriptor records the call and, on success, the acquired resource.
func (t *Tracker) CreateConvolutionDescriptor() (accel.ConvDesc, error) {
	if err := t.enter("CreateConvolutionDescriptor"); err != nil {
		return 0, err
	}
	d, err := t.inner.CreateConvolutionDescriptor()
	if err != nil {
		return 0, err
	}
	t.acquire(KindConvDesc, uintptr(d))
	return d, nil
}

// InitConvolutionDescriptor records the call and forwards it.
func (t *Tracker) InitConvolutionDescriptor(d accel.ConvDesc, p accel.ConvParams) error {
	if err := t.enter("InitConvolutionDescriptor"); err != nil {
		return err
	}
	return t.inner.InitConvolutionDescriptor(d, p)
}

// DestroyConvolutionDescriptor records the release, then forwards it.
func (t *Tracker) DestroyConvolutionDescriptor(d accel.ConvDesc) error {
	if err := t.enter("DestroyConvolutionDescriptor"); err != nil {
		return err
	}
	t.release(KindConvDesc, uintptr(d))
	return t.inner.DestroyConvolutionDescriptor(d)
}

// ConvolutionForwardOutputDim records the call and forwards it.
func (t *Tracker) ConvolutionForwardOutputDim(conv accel.ConvDesc, x, w accel.TensorDesc) (tensor.Shape, error) {
	if err := t.enter("ConvolutionForwardOutputDim"); err != nil {
		return nil, err
	}
	return t.inner.ConvolutionForwardOutputDim(conv, x, w)
}

// ConvolutionForwardWorkspaceSize records the call and forwards it.
func (t *Tracker) ConvolutionForwardWorkspaceSize(h accel.Handle, w, x accel.TensorDesc, conv accel.ConvDesc, y accel.TensorDesc) (uint64, error) {
	if err := t.enter("ConvolutionForwardWorkspaceSize"); err != nil {
		return 0, err
	}
	return t.inner.ConvolutionForwardWorkspaceSize(h, w, x, conv, y)
}

// FindConvolutionForwardAlgorithm records the call and forwards it.
func (t *Tracker) FindConvolutionForwardAlgorithm(h accel.Handle, args accel.ConvTensors, requested int, exhaustive bool) ([]accel.AlgoPerf, error) {
	if err := t.enter("FindConvolutionForwardAlgorithm"); err != nil {
		return nil, err
	}
	return t.inner.FindConvolutionForwardAlgorithm(h, args, requested, exhaustive)
}

// ConvolutionForward records the call and forwards it.
func (t *Tracker) ConvolutionForward(h accel.Handle, alpha float32, args accel.ConvTensors, algo accel.FwdAlgorithm, beta float32) error {
	if err := t.enter("ConvolutionForward"); err != nil {
		return err
	}
	return t.inner.ConvolutionForward(h, alpha, args, algo, beta)
}
