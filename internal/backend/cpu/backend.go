// Package cpu implements a host-memory accelerator: a single device whose
// buffers live in process memory and whose forward convolutions run on a
// stream goroutine. It satisfies the same runtime and library contracts as
// the GPU backends and serves as the reference implementation in tests.
package cpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/accel/registry"
	"github.com/born-ml/convdemo/internal/parallel"
)

// DefaultMemoryLimit bounds the bytes a Backend hands out.
const DefaultMemoryLimit = 1 << 30

// Verify that Backend implements accel.Backend.
var _ accel.Backend = (*Backend)(nil)

// Backend is the host device. The zero value is not usable; call New.
type Backend struct {
	logger   *slog.Logger
	parallel parallel.Config

	mu sync.Mutex

	device int // -1 until SetDevice

	reg     *registry.Registry
	buffers map[accel.DevicePtr][]byte

	algorithms []accel.FwdAlgorithm

	stream *stream

	// Memory tracking
	memoryStats struct {
		limit         uint64
		allocated     uint64
		peak          uint64
		activeBuffers int64
	}
}

// Option configures a Backend.
type Option func(*Backend)

// WithMemoryLimit caps the total bytes allocatable at once.
func WithMemoryLimit(bytes uint64) Option {
	return func(b *Backend) { b.memoryStats.limit = bytes }
}

// WithLogger sets the logger used for algorithm search diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithParallel sets the fan-out used by the direct algorithm.
func WithParallel(cfg parallel.Config) Option {
	return func(b *Backend) { b.parallel = cfg }
}

// WithAlgorithms restricts the forward algorithms the search considers.
func WithAlgorithms(algos ...accel.FwdAlgorithm) Option {
	return func(b *Backend) { b.algorithms = algos }
}

// New creates a host device.
func New(opts ...Option) *Backend {
	b := &Backend{
		logger:     slog.Default(),
		parallel:   parallel.DefaultConfig(),
		device:     -1,
		reg:        registry.New(),
		buffers:    make(map[accel.DevicePtr][]byte),
		algorithms: []accel.FwdAlgorithm{accel.AlgoGEMM, accel.AlgoDirect},
		stream:     newStream(),
	}
	b.memoryStats.limit = DefaultMemoryLimit
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "cpu"
}

// Close stops the stream goroutine. It reports resources that were never released.
func (b *Backend) Close() error {
	b.stream.close()

	b.mu.Lock()
	defer b.mu.Unlock()
	handles, tensors, convs := b.reg.Len()
	if live := len(b.buffers) + handles + tensors + convs; live > 0 {
		return fmt.Errorf("cpu: closed with %d buffers, %d handles, %d tensor descriptors, %d convolution descriptors live",
			len(b.buffers), handles, tensors, convs)
	}
	return nil
}

// DeviceCount reports the single host device.
func (b *Backend) DeviceCount() (int, error) {
	return 1, nil
}

// DeviceProperties describes the host device.
func (b *Backend) DeviceProperties(ordinal int) (accel.DeviceProps, error) {
	if ordinal != 0 {
		return accel.DeviceProps{}, accel.Errorf("DeviceProperties", accel.StatusInvalidValue, "invalid device ordinal %d", ordinal)
	}
	return accel.DeviceProps{
		Name:        fmt.Sprintf("Host CPU (%d threads)", runtime.NumCPU()),
		Major:       1,
		Minor:       0,
		TotalMemory: b.memoryStats.limit,
	}, nil
}

// SetDevice binds the backend to the host device.
func (b *Backend) SetDevice(ordinal int) error {
	if ordinal != 0 {
		return accel.Errorf("SetDevice", accel.StatusInvalidValue, "invalid device ordinal %d", ordinal)
	}
	b.mu.Lock()
	b.device = ordinal
	b.mu.Unlock()
	return nil
}

// Synchronize waits for queued forward passes and reports the first fault any
// of them raised since the last synchronization.
func (b *Backend) Synchronize() error {
	return b.stream.wait()
}

// MemoryStats represents host device memory usage statistics.
type MemoryStats struct {
	// Bytes currently allocated
	AllocatedBytes uint64
	// Peak bytes allocated at once
	PeakBytes uint64
	// Number of currently active buffers
	ActiveBuffers int64
}

// MemoryStats returns current memory usage statistics.
func (b *Backend) MemoryStats() MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return MemoryStats{
		AllocatedBytes: b.memoryStats.allocated,
		PeakBytes:      b.memoryStats.peak,
		ActiveBuffers:  b.memoryStats.activeBuffers,
	}
}

func (b *Backend) requireDevice(call string) error {
	if b.device < 0 {
		return accel.Errorf(call, accel.StatusNotInitialized, "no device selected")
	}
	return nil
}
