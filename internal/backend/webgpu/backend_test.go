//go:build windows

package webgpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

func openOrSkip(t *testing.T) *Backend {
	t.Helper()
	backend, err := Open(nil)
	if errors.Is(err, accel.ErrUnavailable) {
		t.Skipf("WebGPU not available: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, backend.Close()) })
	return backend.(*Backend)
}

func TestWebGPUMemoryRoundTrip(t *testing.T) {
	b := openOrSkip(t)
	require.NoError(t, b.SetDevice(0))

	p, err := b.Malloc(10)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Free(p)) }()

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.NoError(t, b.MemcpyHtoD(p, src))
	dst := make([]byte, 10)
	require.NoError(t, b.MemcpyDtoH(dst, p))
	assert.Equal(t, src, dst)
	assert.Equal(t, uint64(10), b.MemoryStats().AllocatedBytes)
}

func TestWebGPUUnalignedCopyKeepsTrailingBytes(t *testing.T) {
	b := openOrSkip(t)
	require.NoError(t, b.SetDevice(0))

	p, err := b.Malloc(8)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Free(p)) }()

	require.NoError(t, b.MemcpyHtoD(p, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, b.MemcpyHtoD(p, []byte{9, 9, 9, 9, 9}))

	dst := make([]byte, 8)
	require.NoError(t, b.MemcpyDtoH(dst, p))
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 6, 7, 8}, dst)
}

func TestWebGPUConvolutionForward(t *testing.T) {
	b := openOrSkip(t)
	require.NoError(t, b.SetDevice(0))

	h, err := b.CreateHandle()
	require.NoError(t, err)
	defer func() { require.NoError(t, b.DestroyHandle(h)) }()

	desc := func(s tensor.Shape) accel.TensorDesc {
		d, err := b.CreateTensorDescriptor()
		require.NoError(t, err)
		require.NoError(t, b.SetTensor4d(d, tensor.Float32, s[0], s[1], s[2], s[3]))
		t.Cleanup(func() { assert.NoError(t, b.DestroyTensorDescriptor(d)) })
		return d
	}
	upload := func(data []float32) accel.DevicePtr {
		p, err := b.Malloc(uint64(len(data) * 4))
		require.NoError(t, err)
		require.NoError(t, b.MemcpyHtoD(p, tensor.Float32Bytes(data)))
		t.Cleanup(func() { assert.NoError(t, b.Free(p)) })
		return p
	}

	cd, err := b.CreateConvolutionDescriptor()
	require.NoError(t, err)
	defer func() { require.NoError(t, b.DestroyConvolutionDescriptor(cd)) }()
	require.NoError(t, b.InitConvolutionDescriptor(cd, accel.DefaultConvParams()))

	args := accel.ConvTensors{
		X: desc(tensor.Shape{1, 1, 5, 5}),
		XData: upload([]float32{
			0, 1, 1, 1, 0,
			0, 0, 1, 1, 1,
			0, 0, 0, 1, 1,
			0, 0, 0, 1, 1,
			0, 0, 1, 1, 0,
		}),
		W:     desc(tensor.Shape{1, 1, 3, 3}),
		WData: upload([]float32{1, 0, 1, 0, 1, 0, 1, 0, 1}),
		Conv:  cd,
		Y:     desc(tensor.Shape{1, 1, 3, 3}),
		YData: upload(make([]float32, 9)),
	}

	perfs, err := b.FindConvolutionForwardAlgorithm(h, args, 1, false)
	require.NoError(t, err)
	require.Len(t, perfs, 1)

	require.NoError(t, b.ConvolutionForward(h, 1, args, perfs[0].Algorithm, 0))
	require.NoError(t, b.Synchronize())

	out := make([]float32, 9)
	require.NoError(t, b.MemcpyDtoH(tensor.Float32Bytes(out), args.YData))
	assert.Equal(t, []float32{1, 4, 3, 1, 2, 4, 1, 2, 3}, out)
}
