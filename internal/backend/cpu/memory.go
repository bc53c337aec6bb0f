package cpu

import (
	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

// Malloc allocates size bytes of host-device memory. The backing store is
// float32-aligned so kernels can view it without copying.
func (b *Backend) Malloc(size uint64) (accel.DevicePtr, error) {
	if size == 0 {
		return 0, accel.Errorf("Malloc", accel.StatusBadParm, "zero-size allocation")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireDevice("Malloc"); err != nil {
		return 0, err
	}
	if b.memoryStats.allocated+size > b.memoryStats.limit {
		return 0, accel.Errorf("Malloc", accel.StatusAllocFailed,
			"out of memory: %d bytes requested, %d of %d in use", size, b.memoryStats.allocated, b.memoryStats.limit)
	}

	words := make([]float32, (size+3)/4)
	ptr := accel.DevicePtr(b.reg.ID())
	b.buffers[ptr] = tensor.Float32Bytes(words)[:size]

	b.memoryStats.allocated += size
	b.memoryStats.activeBuffers++
	if b.memoryStats.allocated > b.memoryStats.peak {
		b.memoryStats.peak = b.memoryStats.allocated
	}
	return ptr, nil
}

// Free releases memory returned by Malloc after pending work completes.
func (b *Backend) Free(ptr accel.DevicePtr) error {
	b.stream.drain()

	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[ptr]
	if !ok {
		return accel.Errorf("Free", accel.StatusInvalidValue, "invalid device pointer %#x", uintptr(ptr))
	}
	delete(b.buffers, ptr)

	size := uint64(len(buf))
	if b.memoryStats.allocated >= size {
		b.memoryStats.allocated -= size
	}
	b.memoryStats.activeBuffers--
	return nil
}

// MemcpyHtoD copies src into the device buffer dst after pending work completes.
func (b *Backend) MemcpyHtoD(dst accel.DevicePtr, src []byte) error {
	b.stream.drain()

	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[dst]
	if !ok {
		return accel.Errorf("MemcpyHtoD", accel.StatusInvalidValue, "invalid device pointer %#x", uintptr(dst))
	}
	if len(src) > len(buf) {
		return accel.Errorf("MemcpyHtoD", accel.StatusInvalidValue, "copy of %d bytes exceeds %d-byte buffer", len(src), len(buf))
	}
	copy(buf, src)
	return nil
}

// MemcpyDtoH copies the device buffer src into dst after pending work completes.
func (b *Backend) MemcpyDtoH(dst []byte, src accel.DevicePtr) error {
	b.stream.drain()

	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[src]
	if !ok {
		return accel.Errorf("MemcpyDtoH", accel.StatusInvalidValue, "invalid device pointer %#x", uintptr(src))
	}
	if len(dst) > len(buf) {
		return accel.Errorf("MemcpyDtoH", accel.StatusInvalidValue, "copy of %d bytes exceeds %d-byte buffer", len(dst), len(buf))
	}
	copy(dst, buf)
	return nil
}

// view returns the float32 view of a device buffer. Caller holds b.mu.
func (b *Backend) view(call string, ptr accel.DevicePtr) ([]float32, error) {
	buf, ok := b.buffers[ptr]
	if !ok {
		return nil, accel.Errorf(call, accel.StatusBadParm, "invalid device pointer %#x", uintptr(ptr))
	}
	return tensor.BytesFloat32(buf), nil
}
