//go:build cgo && rocm

// Package hip implements the accelerator runtime on HIP and the primitives
// library on MIOpen. It needs a ROCm installation under /opt/rocm and is
// built with the rocm tag.
package hip

/*
#cgo CFLAGS: -D__HIP_PLATFORM_AMD__ -I/opt/rocm/include
#cgo LDFLAGS: -L/opt/rocm/lib -lamdhip64 -lMIOpen

#include <stdbool.h>
#include <stdlib.h>
#include <string.h>
#include <hip/hip_runtime_api.h>
#include <miopen/miopen.h>

static hipError_t convdemo_device_props(int ordinal, char *name, size_t name_len,
		int *major, int *minor, size_t *total_mem) {
	hipDeviceProp_t props;
	hipError_t err = hipGetDeviceProperties(&props, ordinal);
	if (err != hipSuccess) {
		return err;
	}
	strncpy(name, props.name, name_len - 1);
	name[name_len - 1] = '\0';
	*major = props.major;
	*minor = props.minor;
	*total_mem = props.totalGlobalMem;
	return hipSuccess;
}

static hipError_t convdemo_memcpy_htod(void *dst, const void *src, size_t n) {
	return hipMemcpy(dst, src, n, hipMemcpyHostToDevice);
}

static hipError_t convdemo_memcpy_dtoh(void *dst, const void *src, size_t n) {
	return hipMemcpy(dst, src, n, hipMemcpyDeviceToHost);
}

// Unpacks the fwd_algo member of the result union.
static miopenStatus_t convdemo_find_fwd(miopenHandle_t h,
		miopenTensorDescriptor_t x_desc, const void *x,
		miopenTensorDescriptor_t w_desc, const void *w,
		miopenConvolutionDescriptor_t conv_desc,
		miopenTensorDescriptor_t y_desc, void *y,
		int requested, int *returned,
		int *algos, float *times, size_t *memory,
		void *workspace, size_t workspace_size, bool exhaustive) {
	miopenConvAlgoPerf_t *perfs = calloc((size_t)requested, sizeof(miopenConvAlgoPerf_t));
	if (perfs == NULL) {
		return miopenStatusAllocFailed;
	}
	miopenStatus_t st = miopenFindConvolutionForwardAlgorithm(h, x_desc, x, w_desc, w,
		conv_desc, y_desc, y, requested, returned, perfs, workspace, workspace_size, exhaustive);
	if (st == miopenStatusSuccess) {
		for (int i = 0; i < *returned; i++) {
			algos[i] = (int)perfs[i].fwd_algo;
			times[i] = perfs[i].time;
			memory[i] = perfs[i].memory;
		}
	}
	free(perfs);
	return st;
}

static miopenStatus_t convdemo_forward(miopenHandle_t h, float alpha,
		miopenTensorDescriptor_t x_desc, const void *x,
		miopenTensorDescriptor_t w_desc, const void *w,
		miopenConvolutionDescriptor_t conv_desc, int algo, float beta,
		miopenTensorDescriptor_t y_desc, void *y,
		void *workspace, size_t workspace_size) {
	return miopenConvolutionForward(h, &alpha, x_desc, x, w_desc, w, conv_desc,
		(miopenConvFwdAlgorithm_t)algo, &beta, y_desc, y, workspace, workspace_size);
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

// Verify that Backend implements accel.Backend.
var _ accel.Backend = (*Backend)(nil)

// Backend drives HIP devices through MIOpen.
//
// Every native object is tracked in a per-kind registry so that a second
// release is rejected instead of reaching the driver.
//
// HIP keeps the current device per OS thread. Each device-bound call locks
// its goroutine to a thread and rebinds the selected device there first, so
// callers may use the Backend from any goroutine.
type Backend struct {
	logger *slog.Logger

	mu      sync.Mutex
	ordinal int // -1 until SetDevice
	buffers map[accel.DevicePtr]unsafe.Pointer
	handles map[accel.Handle]C.miopenHandle_t
	tensors map[accel.TensorDesc]C.miopenTensorDescriptor_t
	convs   map[accel.ConvDesc]C.miopenConvolutionDescriptor_t
}

// Open initializes the HIP runtime. It returns an error wrapping
// accel.ErrUnavailable when no driver is loaded.
func Open(logger *slog.Logger) (accel.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var n C.int
	if e := C.hipGetDeviceCount(&n); e != C.hipSuccess && e != C.hipErrorNoDevice {
		return nil, fmt.Errorf("hip: %w: %w", hipError("hipGetDeviceCount", e), accel.ErrUnavailable)
	}
	logger.Debug("hip runtime", "devices", int(n))
	return &Backend{
		logger:  logger,
		ordinal: -1,
		buffers: make(map[accel.DevicePtr]unsafe.Pointer),
		handles: make(map[accel.Handle]C.miopenHandle_t),
		tensors: make(map[accel.TensorDesc]C.miopenTensorDescriptor_t),
		convs:   make(map[accel.ConvDesc]C.miopenConvolutionDescriptor_t),
	}, nil
}

func hipError(call string, e C.hipError_t) error {
	if e == C.hipSuccess {
		return nil
	}
	return &accel.Error{Call: call, Code: int(e), Status: C.GoString(C.hipGetErrorString(e))}
}

func miopenError(call string, st C.miopenStatus_t) error {
	if st == C.miopenStatusSuccess {
		return nil
	}
	return &accel.Error{Call: call, Code: int(st), Status: C.GoString(C.miopenGetErrorString(st))}
}

func released(call, kind string, id uintptr) error {
	return accel.Errorf(call, accel.StatusBadParm, "%s %#x is not live", kind, id)
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "hip"
}

// Close reports native objects that were never released.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if live := len(b.buffers) + len(b.handles) + len(b.tensors) + len(b.convs); live > 0 {
		return fmt.Errorf("hip: closed with %d buffers, %d handles, %d tensor descriptors, %d convolution descriptors live",
			len(b.buffers), len(b.handles), len(b.tensors), len(b.convs))
	}
	return nil
}

// DeviceCount returns the number of visible HIP devices.
func (b *Backend) DeviceCount() (int, error) {
	var n C.int
	if e := C.hipGetDeviceCount(&n); e != C.hipSuccess {
		if e == C.hipErrorNoDevice {
			return 0, nil
		}
		return 0, hipError("hipGetDeviceCount", e)
	}
	return int(n), nil
}

// DeviceProperties queries one device.
func (b *Backend) DeviceProperties(ordinal int) (accel.DeviceProps, error) {
	var (
		name         [256]C.char
		major, minor C.int
		mem          C.size_t
	)
	e := C.convdemo_device_props(C.int(ordinal), &name[0], C.size_t(len(name)), &major, &minor, &mem)
	if e != C.hipSuccess {
		return accel.DeviceProps{}, hipError("hipGetDeviceProperties", e)
	}
	return accel.DeviceProps{
		Name:        C.GoString(&name[0]),
		Major:       int(major),
		Minor:       int(minor),
		TotalMemory: uint64(mem),
	}, nil
}

// SetDevice selects ordinal for every later device-bound call.
func (b *Backend) SetDevice(ordinal int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := hipError("hipSetDevice", C.hipSetDevice(C.int(ordinal))); err != nil {
		return err
	}
	b.mu.Lock()
	b.ordinal = ordinal
	b.mu.Unlock()

	dev, err := b.activeDevice()
	if err != nil {
		return err
	}
	b.logger.Debug("hip device selected", "device", dev)
	return nil
}

// bind locks the calling goroutine to its OS thread and makes the selected
// device current there. The returned func unlocks the thread.
func (b *Backend) bind(call string) (func(), error) {
	runtime.LockOSThread()

	b.mu.Lock()
	ordinal := b.ordinal
	b.mu.Unlock()

	if ordinal >= 0 {
		if err := hipError(call, C.hipSetDevice(C.int(ordinal))); err != nil {
			runtime.UnlockOSThread()
			return nil, err
		}
	}
	return runtime.UnlockOSThread, nil
}

// activeDevice reports the device device-bound calls run on.
func (b *Backend) activeDevice() (int, error) {
	unbind, err := b.bind("hipSetDevice")
	if err != nil {
		return 0, err
	}
	defer unbind()

	var dev C.int
	if err := hipError("hipGetDevice", C.hipGetDevice(&dev)); err != nil {
		return 0, err
	}
	return int(dev), nil
}

// Malloc allocates device memory.
func (b *Backend) Malloc(size uint64) (accel.DevicePtr, error) {
	unbind, err := b.bind("hipMalloc")
	if err != nil {
		return 0, err
	}
	defer unbind()

	var p unsafe.Pointer
	if e := C.hipMalloc(&p, C.size_t(size)); e != C.hipSuccess {
		return 0, hipError("hipMalloc", e)
	}
	ptr := accel.DevicePtr(uintptr(p))

	b.mu.Lock()
	b.buffers[ptr] = p
	b.mu.Unlock()
	return ptr, nil
}

// Free releases device memory.
func (b *Backend) Free(ptr accel.DevicePtr) error {
	b.mu.Lock()
	p, ok := b.buffers[ptr]
	delete(b.buffers, ptr)
	b.mu.Unlock()

	if !ok {
		return released("hipFree", "device pointer", uintptr(ptr))
	}
	unbind, err := b.bind("hipFree")
	if err != nil {
		return err
	}
	defer unbind()
	return hipError("hipFree", C.hipFree(p))
}

func (b *Backend) buffer(call string, ptr accel.DevicePtr) (unsafe.Pointer, error) {
	if ptr == 0 {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.buffers[ptr]
	if !ok {
		return nil, accel.Errorf(call, accel.StatusInvalidValue, "invalid device pointer %#x", uintptr(ptr))
	}
	return p, nil
}

// MemcpyHtoD copies host bytes to the device.
func (b *Backend) MemcpyHtoD(dst accel.DevicePtr, src []byte) error {
	p, err := b.buffer("hipMemcpy", dst)
	if err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	unbind, err := b.bind("hipMemcpy")
	if err != nil {
		return err
	}
	defer unbind()
	return hipError("hipMemcpy", C.convdemo_memcpy_htod(p, unsafe.Pointer(&src[0]), C.size_t(len(src))))
}

// MemcpyDtoH copies device bytes to the host.
func (b *Backend) MemcpyDtoH(dst []byte, src accel.DevicePtr) error {
	p, err := b.buffer("hipMemcpy", src)
	if err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	unbind, err := b.bind("hipMemcpy")
	if err != nil {
		return err
	}
	defer unbind()
	return hipError("hipMemcpy", C.convdemo_memcpy_dtoh(unsafe.Pointer(&dst[0]), p, C.size_t(len(dst))))
}

// Synchronize waits for the device.
func (b *Backend) Synchronize() error {
	unbind, err := b.bind("hipDeviceSynchronize")
	if err != nil {
		return err
	}
	defer unbind()
	return hipError("hipDeviceSynchronize", C.hipDeviceSynchronize())
}

// CreateHandle creates a MIOpen handle on the current device.
func (b *Backend) CreateHandle() (accel.Handle, error) {
	unbind, err := b.bind("miopenCreate")
	if err != nil {
		return 0, err
	}
	defer unbind()

	var h C.miopenHandle_t
	if err := miopenError("miopenCreate", C.miopenCreate(&h)); err != nil {
		return 0, err
	}
	id := accel.Handle(uintptr(unsafe.Pointer(h)))

	b.mu.Lock()
	b.handles[id] = h
	b.mu.Unlock()
	return id, nil
}

// DestroyHandle releases a MIOpen handle.
func (b *Backend) DestroyHandle(id accel.Handle) error {
	b.mu.Lock()
	h, ok := b.handles[id]
	delete(b.handles, id)
	b.mu.Unlock()

	if !ok {
		return released("miopenDestroy", "handle", uintptr(id))
	}
	unbind, err := b.bind("miopenDestroy")
	if err != nil {
		return err
	}
	defer unbind()
	return miopenError("miopenDestroy", C.miopenDestroy(h))
}

func (b *Backend) handle(call string, id accel.Handle) (C.miopenHandle_t, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[id]
	if !ok {
		return nil, accel.Errorf(call, accel.StatusBadParm, "unknown handle %#x", uintptr(id))
	}
	return h, nil
}

// CreateTensorDescriptor creates a tensor descriptor.
func (b *Backend) CreateTensorDescriptor() (accel.TensorDesc, error) {
	var d C.miopenTensorDescriptor_t
	if err := miopenError("miopenCreateTensorDescriptor", C.miopenCreateTensorDescriptor(&d)); err != nil {
		return 0, err
	}
	id := accel.TensorDesc(uintptr(unsafe.Pointer(d)))

	b.mu.Lock()
	b.tensors[id] = d
	b.mu.Unlock()
	return id, nil
}

// SetTensor4d declares a dense NCHW tensor.
func (b *Backend) SetTensor4d(id accel.TensorDesc, dt tensor.DataType, n, c, h, w int) error {
	d, err := b.tensor("miopenSet4dTensorDescriptor", id)
	if err != nil {
		return err
	}
	var t C.miopenDataType_t
	switch dt {
	case tensor.Float32:
		t = C.miopenFloat
	case tensor.Float16:
		t = C.miopenHalf
	default:
		return accel.Errorf("miopenSet4dTensorDescriptor", accel.StatusUnsupportedOp, "data type %s", dt)
	}
	return miopenError("miopenSet4dTensorDescriptor",
		C.miopenSet4dTensorDescriptor(d, t, C.int(n), C.int(c), C.int(h), C.int(w)))
}

// DestroyTensorDescriptor releases a tensor descriptor.
func (b *Backend) DestroyTensorDescriptor(id accel.TensorDesc) error {
	b.mu.Lock()
	d, ok := b.tensors[id]
	delete(b.tensors, id)
	b.mu.Unlock()

	if !ok {
		return released("miopenDestroyTensorDescriptor", "tensor descriptor", uintptr(id))
	}
	return miopenError("miopenDestroyTensorDescriptor", C.miopenDestroyTensorDescriptor(d))
}

func (b *Backend) tensor(call string, id accel.TensorDesc) (C.miopenTensorDescriptor_t, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.tensors[id]
	if !ok {
		return nil, accel.Errorf(call, accel.StatusBadParm, "unknown tensor descriptor %#x", uintptr(id))
	}
	return d, nil
}

// CreateConvolutionDescriptor creates a convolution descriptor.
func (b *Backend) CreateConvolutionDescriptor() (accel.ConvDesc, error) {
	var d C.miopenConvolutionDescriptor_t
	if err := miopenError("miopenCreateConvolutionDescriptor", C.miopenCreateConvolutionDescriptor(&d)); err != nil {
		return 0, err
	}
	id := accel.ConvDesc(uintptr(unsafe.Pointer(d)))

	b.mu.Lock()
	b.convs[id] = d
	b.mu.Unlock()
	return id, nil
}

// InitConvolutionDescriptor sets padding, stride, dilation and mode.
func (b *Backend) InitConvolutionDescriptor(id accel.ConvDesc, p accel.ConvParams) error {
	d, err := b.conv("miopenInitConvolutionDescriptor", id)
	if err != nil {
		return err
	}
	return miopenError("miopenInitConvolutionDescriptor", C.miopenInitConvolutionDescriptor(d,
		C.miopenConvolutionMode_t(p.Mode),
		C.int(p.PadH), C.int(p.PadW),
		C.int(p.StrideH), C.int(p.StrideW),
		C.int(p.DilationH), C.int(p.DilationW)))
}

// DestroyConvolutionDescriptor releases a convolution descriptor.
func (b *Backend) DestroyConvolutionDescriptor(id accel.ConvDesc) error {
	b.mu.Lock()
	d, ok := b.convs[id]
	delete(b.convs, id)
	b.mu.Unlock()

	if !ok {
		return released("miopenDestroyConvolutionDescriptor", "convolution descriptor", uintptr(id))
	}
	return miopenError("miopenDestroyConvolutionDescriptor", C.miopenDestroyConvolutionDescriptor(d))
}

func (b *Backend) conv(call string, id accel.ConvDesc) (C.miopenConvolutionDescriptor_t, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.convs[id]
	if !ok {
		return nil, accel.Errorf(call, accel.StatusBadParm, "unknown convolution descriptor %#x", uintptr(id))
	}
	return d, nil
}

// ConvolutionForwardOutputDim asks MIOpen for the output NCHW shape.
func (b *Backend) ConvolutionForwardOutputDim(convID accel.ConvDesc, xID, wID accel.TensorDesc) (tensor.Shape, error) {
	const call = "miopenGetConvolutionForwardOutputDim"
	conv, err := b.conv(call, convID)
	if err != nil {
		return nil, err
	}
	x, err := b.tensor(call, xID)
	if err != nil {
		return nil, err
	}
	w, err := b.tensor(call, wID)
	if err != nil {
		return nil, err
	}
	var n, c, h, wd C.int
	if err := miopenError(call, C.miopenGetConvolutionForwardOutputDim(conv, x, w, &n, &c, &h, &wd)); err != nil {
		return nil, err
	}
	return tensor.Shape{int(n), int(c), int(h), int(wd)}, nil
}

// native resolves every descriptor and buffer of a ConvTensors bundle.
type native struct {
	h          C.miopenHandle_t
	x, w, y    C.miopenTensorDescriptor_t
	conv       C.miopenConvolutionDescriptor_t
	xp, wp, yp unsafe.Pointer
	ws         unsafe.Pointer
}

func (b *Backend) native(call string, id accel.Handle, t accel.ConvTensors) (*native, error) {
	var (
		n   native
		err error
	)
	if n.h, err = b.handle(call, id); err != nil {
		return nil, err
	}
	if n.conv, err = b.conv(call, t.Conv); err != nil {
		return nil, err
	}
	for _, d := range []struct {
		id  accel.TensorDesc
		dst *C.miopenTensorDescriptor_t
	}{{t.X, &n.x}, {t.W, &n.w}, {t.Y, &n.y}} {
		if *d.dst, err = b.tensor(call, d.id); err != nil {
			return nil, err
		}
	}
	for _, p := range []struct {
		ptr accel.DevicePtr
		dst *unsafe.Pointer
	}{{t.XData, &n.xp}, {t.WData, &n.wp}, {t.YData, &n.yp}, {t.Workspace, &n.ws}} {
		if *p.dst, err = b.buffer(call, p.ptr); err != nil {
			return nil, err
		}
	}
	return &n, nil
}

// ConvolutionForwardWorkspaceSize asks MIOpen for the scratch memory the
// forward algorithms may need.
func (b *Backend) ConvolutionForwardWorkspaceSize(hID accel.Handle, wID, xID accel.TensorDesc, convID accel.ConvDesc, yID accel.TensorDesc) (uint64, error) {
	const call = "miopenConvolutionForwardGetWorkSpaceSize"
	n, err := b.native(call, hID, accel.ConvTensors{X: xID, W: wID, Conv: convID, Y: yID})
	if err != nil {
		return 0, err
	}
	unbind, err := b.bind(call)
	if err != nil {
		return 0, err
	}
	defer unbind()
	var size C.size_t
	if err := miopenError(call, C.miopenConvolutionForwardGetWorkSpaceSize(n.h, n.w, n.x, n.conv, n.y, &size)); err != nil {
		return 0, err
	}
	return uint64(size), nil
}

// FindConvolutionForwardAlgorithm runs MIOpen's benchmark search.
func (b *Backend) FindConvolutionForwardAlgorithm(h accel.Handle, t accel.ConvTensors, requested int, exhaustive bool) ([]accel.AlgoPerf, error) {
	const call = "miopenFindConvolutionForwardAlgorithm"
	if requested < 1 {
		return nil, accel.Errorf(call, accel.StatusBadParm, "requested %d algorithms", requested)
	}
	n, err := b.native(call, h, t)
	if err != nil {
		return nil, err
	}
	unbind, err := b.bind(call)
	if err != nil {
		return nil, err
	}
	defer unbind()

	var (
		returned C.int
		algos    = make([]C.int, requested)
		times    = make([]C.float, requested)
		memory   = make([]C.size_t, requested)
	)
	st := C.convdemo_find_fwd(n.h, n.x, n.xp, n.w, n.wp, n.conv, n.y, n.yp,
		C.int(requested), &returned, &algos[0], &times[0], &memory[0],
		n.ws, C.size_t(t.WorkspaceSize), C.bool(exhaustive))
	if err := miopenError(call, st); err != nil {
		return nil, err
	}

	perfs := make([]accel.AlgoPerf, int(returned))
	for i := range perfs {
		perfs[i] = accel.AlgoPerf{
			Algorithm: accel.FwdAlgorithm(algos[i]),
			Time:      float32(times[i]),
			Memory:    uint64(memory[i]),
		}
	}
	b.logger.Debug("miopen search", "requested", requested, "returned", len(perfs), "exhaustive", exhaustive)
	return perfs, nil
}

// ConvolutionForward launches the forward convolution on the handle's stream.
func (b *Backend) ConvolutionForward(h accel.Handle, alpha float32, t accel.ConvTensors, algo accel.FwdAlgorithm, beta float32) error {
	const call = "miopenConvolutionForward"
	n, err := b.native(call, h, t)
	if err != nil {
		return err
	}
	unbind, err := b.bind(call)
	if err != nil {
		return err
	}
	defer unbind()
	return miopenError(call, C.convdemo_forward(n.h, C.float(alpha), n.x, n.xp, n.w, n.wp, n.conv,
		C.int(algo), C.float(beta), n.y, n.yp, n.ws, C.size_t(t.WorkspaceSize)))
}
