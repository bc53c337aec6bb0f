//go:build windows

// Package webgpu implements the accelerator runtime and primitives library on
// WebGPU. Uses go-webgpu (github.com/go-webgpu/webgpu) for zero-CGO WebGPU bindings.
//
// The default adapter is exposed as device 0. Device memory is a set of
// storage buffers; forward convolutions are recorded into command buffers and
// submitted lazily, so they complete at the next copy or Synchronize.
package webgpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/accel/registry"
)

// Verify that Backend implements accel.Backend.
var _ accel.Backend = (*Backend)(nil)

type buffer struct {
	buf  *wgpu.Buffer
	size uint64 // requested size; the GPU buffer is rounded up to 4 bytes
}

// Backend drives one WebGPU adapter.
type Backend struct {
	logger *slog.Logger

	instance    *wgpu.Instance
	adapter     *wgpu.Adapter
	device      *wgpu.Device
	queue       *wgpu.Queue
	adapterInfo wgpu.AdapterInfo

	// Shader and pipeline cache
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline

	mu       sync.Mutex
	selected bool
	reg      *registry.Registry
	buffers  map[accel.DevicePtr]*buffer

	// Recorded forward passes not yet submitted.
	pendingCommands []*wgpu.CommandBuffer

	// Memory tracking
	memoryStats struct {
		allocated     uint64
		peak          uint64
		activeBuffers int64
	}
}

// Open creates a WebGPU backend on the high-performance adapter.
// It returns an error wrapping accel.ErrUnavailable when the native WebGPU
// library or an adapter cannot be loaded.
func Open(logger *slog.Logger) (backend accel.Backend, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("webgpu: native library not available: %v: %w", r, accel.ErrUnavailable)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request adapter: %w: %w", adapterErr, accel.ErrUnavailable)
	}
	info := adapter.GetInfo()

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to request device: %w: %w", deviceErr, accel.ErrUnavailable)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: failed to get queue: %w", accel.ErrUnavailable)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("webgpu adapter", "name", info.Name, "vendor", info.VendorName, "type", info.AdapterType)

	return &Backend{
		logger:      logger,
		instance:    instance,
		adapter:     adapter,
		device:      device,
		queue:       queue,
		adapterInfo: info,
		shaders:     make(map[string]*wgpu.ShaderModule),
		pipelines:   make(map[string]*wgpu.ComputePipeline),
		reg:         registry.New(),
		buffers:     make(map[accel.DevicePtr]*buffer),
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return fmt.Sprintf("webgpu (%s %s)", b.adapterInfo.Name, b.adapterInfo.VendorName)
}

// Close releases all WebGPU resources. It reports device objects the caller
// never released and frees them.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushLocked()

	var err error
	handles, tensors, convs := b.reg.Len()
	if live := len(b.buffers) + handles + tensors + convs; live > 0 {
		err = fmt.Errorf("webgpu: closed with %d buffers, %d handles, %d tensor descriptors, %d convolution descriptors live",
			len(b.buffers), handles, tensors, convs)
	}
	for _, buf := range b.buffers {
		buf.buf.Release()
	}
	b.buffers = nil

	// Release pipelines
	for _, p := range b.pipelines {
		p.Release()
	}
	b.pipelines = nil

	// Release shaders
	for _, s := range b.shaders {
		s.Release()
	}
	b.shaders = nil

	// Release WebGPU objects
	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
	return err
}

// DeviceCount reports the single adapter.
func (b *Backend) DeviceCount() (int, error) {
	return 1, nil
}

// DeviceProperties describes the adapter. Software adapters report the
// sentinel capability.
func (b *Backend) DeviceProperties(ordinal int) (accel.DeviceProps, error) {
	if ordinal != 0 {
		return accel.DeviceProps{}, accel.Errorf("DeviceProperties", accel.StatusInvalidValue, "invalid device ordinal %d", ordinal)
	}
	props := accel.DeviceProps{Name: b.adapterInfo.Name, Major: 1}
	if b.adapterInfo.AdapterType == wgpu.AdapterTypeCPU {
		props.Major = accel.SentinelCapability
		props.Minor = accel.SentinelCapability
	}
	return props, nil
}

// SetDevice binds the backend to the adapter.
func (b *Backend) SetDevice(ordinal int) error {
	if ordinal != 0 {
		return accel.Errorf("SetDevice", accel.StatusInvalidValue, "invalid device ordinal %d", ordinal)
	}
	b.mu.Lock()
	b.selected = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) requireDevice(call string) error {
	if !b.selected {
		return accel.Errorf(call, accel.StatusNotInitialized, "no device selected")
	}
	return nil
}

// Malloc creates a storage buffer of at least size bytes.
func (b *Backend) Malloc(size uint64) (accel.DevicePtr, error) {
	if size == 0 {
		return 0, accel.Errorf("Malloc", accel.StatusBadParm, "zero-size allocation")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireDevice("Malloc"); err != nil {
		return 0, err
	}
	buf := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  align4(size),
	})
	if buf == nil {
		return 0, accel.Errorf("Malloc", accel.StatusAllocFailed, "out of memory: %d bytes", size)
	}

	ptr := accel.DevicePtr(b.reg.ID())
	b.buffers[ptr] = &buffer{buf: buf, size: size}
	b.memoryStats.allocated += size
	b.memoryStats.activeBuffers++
	if b.memoryStats.allocated > b.memoryStats.peak {
		b.memoryStats.peak = b.memoryStats.allocated
	}
	return ptr, nil
}

// Free releases a storage buffer after queued work is submitted.
func (b *Backend) Free(ptr accel.DevicePtr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[ptr]
	if !ok {
		return accel.Errorf("Free", accel.StatusInvalidValue, "invalid device pointer %#x", uintptr(ptr))
	}
	b.flushLocked()
	delete(b.buffers, ptr)
	buf.buf.Release()

	b.memoryStats.allocated -= buf.size
	b.memoryStats.activeBuffers--
	return nil
}

// MemcpyHtoD uploads src through a mapped staging buffer. Copies move whole
// 4-byte words, so an unaligned tail is merged with the bytes already on the
// device.
func (b *Backend) MemcpyHtoD(dst accel.DevicePtr, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[dst]
	if !ok {
		return accel.Errorf("MemcpyHtoD", accel.StatusInvalidValue, "invalid device pointer %#x", uintptr(dst))
	}
	if uint64(len(src)) > buf.size {
		return accel.Errorf("MemcpyHtoD", accel.StatusInvalidValue, "copy of %d bytes exceeds %d-byte buffer", len(src), buf.size)
	}
	if len(src) == 0 {
		return nil
	}
	b.flushLocked()

	size := align4(uint64(len(src)))
	padded := make([]byte, size)
	if tail := size - 4; size != uint64(len(src)) {
		word, err := b.readBuffer(buf.buf, tail, 4)
		if err != nil {
			return accel.Errorf("MemcpyHtoD", accel.StatusInternalError, "%v", err)
		}
		copy(padded[tail:], word)
	}
	copy(padded, src)

	staging := b.createBuffer(padded, wgpu.BufferUsageCopySrc)
	defer staging.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, buf.buf, 0, size)
	b.queue.Submit(encoder.Finish(nil))
	return nil
}

// MemcpyDtoH downloads src through a map-read staging buffer.
func (b *Backend) MemcpyDtoH(dst []byte, src accel.DevicePtr) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[src]
	if !ok {
		return accel.Errorf("MemcpyDtoH", accel.StatusInvalidValue, "invalid device pointer %#x", uintptr(src))
	}
	if uint64(len(dst)) > buf.size {
		return accel.Errorf("MemcpyDtoH", accel.StatusInvalidValue, "copy of %d bytes exceeds %d-byte buffer", len(dst), buf.size)
	}
	if len(dst) == 0 {
		return nil
	}
	b.flushLocked()

	data, err := b.readBuffer(buf.buf, 0, align4(uint64(len(dst))))
	if err != nil {
		return accel.Errorf("MemcpyDtoH", accel.StatusInternalError, "%v", err)
	}
	copy(dst, data)
	return nil
}

// Synchronize submits recorded work and waits for the queue to drain.
func (b *Backend) Synchronize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushLocked()
	if err := b.fence(); err != nil {
		return accel.Errorf("Synchronize", accel.StatusInternalError, "%v", err)
	}
	return nil
}

// flushLocked submits all pending command buffers. Caller holds b.mu.
func (b *Backend) flushLocked() {
	if len(b.pendingCommands) == 0 {
		return
	}
	b.queue.Submit(b.pendingCommands...)
	b.pendingCommands = b.pendingCommands[:0]
}

// MemoryStats represents GPU memory usage statistics.
type MemoryStats struct {
	// Bytes currently allocated
	AllocatedBytes uint64
	// Peak bytes allocated at once
	PeakBytes uint64
	// Number of currently active buffers
	ActiveBuffers int64
}

// MemoryStats returns current GPU memory usage statistics.
func (b *Backend) MemoryStats() MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return MemoryStats{
		AllocatedBytes: b.memoryStats.allocated,
		PeakBytes:      b.memoryStats.peak,
		ActiveBuffers:  b.memoryStats.activeBuffers,
	}
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
