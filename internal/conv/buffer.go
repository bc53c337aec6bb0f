package conv

import (
	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

// Buffer is a device allocation of Size bytes.
type Buffer struct {
	Ptr  accel.DevicePtr
	Size uint64
}

// Allocate reserves size bytes on the current device and registers the
// matching Free with s.
func Allocate(rt accel.Runtime, s *Scope, size uint64) (Buffer, error) {
	ptr, err := rt.Malloc(size)
	if err != nil {
		return Buffer{}, check(ErrOutOfMemory, "Malloc", err)
	}
	s.Defer("Free", func() error { return rt.Free(ptr) })
	return Buffer{Ptr: ptr, Size: size}, nil
}

// AllocateFloat32 reserves room for shape float32 elements.
func AllocateFloat32(rt accel.Runtime, s *Scope, shape tensor.Shape) (Buffer, error) {
	return Allocate(rt, s, shape.ByteSize(tensor.Float32))
}

// Upload copies data into b. The host slice must fill b exactly.
func Upload(rt accel.Runtime, b Buffer, data []float32) error {
	src := tensor.Float32Bytes(data)
	if uint64(len(src)) != b.Size {
		return fail(ErrTransfer, "MemcpyHtoD", "host holds %d bytes, device buffer %d", len(src), b.Size)
	}
	return check(ErrTransfer, "MemcpyHtoD", rt.MemcpyHtoD(b.Ptr, src))
}

// Download copies b into dst. dst must match b exactly.
func Download(rt accel.Runtime, b Buffer, dst []float32) error {
	raw := tensor.Float32Bytes(dst)
	if uint64(len(raw)) != b.Size {
		return fail(ErrTransfer, "MemcpyDtoH", "host holds %d bytes, device buffer %d", len(raw), b.Size)
	}
	return check(ErrTransfer, "MemcpyDtoH", rt.MemcpyDtoH(raw, b.Ptr))
}
