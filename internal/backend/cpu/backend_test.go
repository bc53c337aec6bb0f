package cpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

func statusOf(t *testing.T, err error) accel.Status {
	t.Helper()
	var aerr *accel.Error
	require.True(t, errors.As(err, &aerr), "expected *accel.Error, got %v", err)
	return accel.Status(aerr.Code)
}

func TestDeviceDiscovery(t *testing.T) {
	b := New()
	defer func() { require.NoError(t, b.Close()) }()

	n, err := b.DeviceCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	props, err := b.DeviceProperties(0)
	require.NoError(t, err)
	assert.False(t, props.IsSentinel())
	assert.Contains(t, props.Name, "Host CPU")

	_, err = b.DeviceProperties(1)
	assert.Equal(t, accel.StatusInvalidValue, statusOf(t, err))
	assert.Equal(t, accel.StatusInvalidValue, statusOf(t, b.SetDevice(3)))
}

func TestMallocRequiresDevice(t *testing.T) {
	b := New()
	defer func() { require.NoError(t, b.Close()) }()

	_, err := b.Malloc(16)
	assert.Equal(t, accel.StatusNotInitialized, statusOf(t, err))

	_, err = b.CreateHandle()
	assert.Equal(t, accel.StatusNotInitialized, statusOf(t, err))
}

func TestMemoryLifecycle(t *testing.T) {
	b := New(WithMemoryLimit(64))
	defer func() { require.NoError(t, b.Close()) }()
	require.NoError(t, b.SetDevice(0))

	p, err := b.Malloc(40)
	require.NoError(t, err)

	_, err = b.Malloc(32)
	assert.Equal(t, accel.StatusAllocFailed, statusOf(t, err), "limit must be enforced")

	stats := b.MemoryStats()
	assert.Equal(t, uint64(40), stats.AllocatedBytes)
	assert.Equal(t, int64(1), stats.ActiveBuffers)

	src := []float32{1.5, -2, 3, 4}
	require.NoError(t, b.MemcpyHtoD(p, tensor.Float32Bytes(src)))

	dst := make([]float32, 4)
	require.NoError(t, b.MemcpyDtoH(tensor.Float32Bytes(dst), p))
	assert.Equal(t, src, dst)

	tooBig := make([]byte, 41)
	assert.Equal(t, accel.StatusInvalidValue, statusOf(t, b.MemcpyHtoD(p, tooBig)))
	assert.Equal(t, accel.StatusInvalidValue, statusOf(t, b.MemcpyDtoH(tooBig, p)))

	require.NoError(t, b.Free(p))
	assert.Equal(t, accel.StatusInvalidValue, statusOf(t, b.Free(p)), "double free must be reported")

	stats = b.MemoryStats()
	assert.Equal(t, uint64(0), stats.AllocatedBytes)
	assert.Equal(t, uint64(40), stats.PeakBytes)
	assert.Equal(t, int64(0), stats.ActiveBuffers)
}

func TestZeroSizeMalloc(t *testing.T) {
	b := New()
	defer func() { require.NoError(t, b.Close()) }()
	require.NoError(t, b.SetDevice(0))

	_, err := b.Malloc(0)
	assert.Equal(t, accel.StatusBadParm, statusOf(t, err))
}

func TestDescriptorValidation(t *testing.T) {
	b := New()
	defer func() { require.NoError(t, b.Close()) }()

	d, err := b.CreateTensorDescriptor()
	require.NoError(t, err)
	assert.Equal(t, accel.StatusBadParm, statusOf(t, b.SetTensor4d(d, tensor.Float32, 1, 0, 5, 5)))
	require.NoError(t, b.DestroyTensorDescriptor(d))
	assert.Equal(t, accel.StatusBadParm, statusOf(t, b.DestroyTensorDescriptor(d)))

	cd, err := b.CreateConvolutionDescriptor()
	require.NoError(t, err)
	defer func() { require.NoError(t, b.DestroyConvolutionDescriptor(cd)) }()

	bad := []accel.ConvParams{
		{PadH: -1, StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1},
		{StrideH: 0, StrideW: 1, DilationH: 1, DilationW: 1},
		{StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 0},
	}
	for _, p := range bad {
		assert.Equal(t, accel.StatusBadParm, statusOf(t, b.InitConvolutionDescriptor(cd, p)), "%+v", p)
	}

	transpose := accel.DefaultConvParams()
	transpose.Mode = accel.ModeTranspose
	assert.Equal(t, accel.StatusUnsupportedOp, statusOf(t, b.InitConvolutionDescriptor(cd, transpose)))
}

func TestOutputDimRejectsMismatchedChannels(t *testing.T) {
	b := New()
	defer func() { require.NoError(t, b.Close()) }()

	cd, err := b.CreateConvolutionDescriptor()
	require.NoError(t, err)
	defer func() { require.NoError(t, b.DestroyConvolutionDescriptor(cd)) }()
	require.NoError(t, b.InitConvolutionDescriptor(cd, accel.DefaultConvParams()))

	xd := newTensorDesc(t, b, tensor.Shape{1, 2, 5, 5})
	defer func() { require.NoError(t, b.DestroyTensorDescriptor(xd)) }()
	wd := newTensorDesc(t, b, tensor.Shape{1, 3, 3, 3})
	defer func() { require.NoError(t, b.DestroyTensorDescriptor(wd)) }()
	big := newTensorDesc(t, b, tensor.Shape{1, 2, 7, 7})
	defer func() { require.NoError(t, b.DestroyTensorDescriptor(big)) }()

	_, err = b.ConvolutionForwardOutputDim(cd, xd, wd)
	assert.Equal(t, accel.StatusBadParm, statusOf(t, err))

	_, err = b.ConvolutionForwardOutputDim(cd, xd, big)
	assert.Equal(t, accel.StatusBadParm, statusOf(t, err), "filter larger than input")
}

// findFixture provisions the demo problem for algorithm search tests.
type findFixture struct {
	b    *Backend
	h    accel.Handle
	args accel.ConvTensors
	free func()
}

func newFindFixture(t *testing.T, b *Backend, withWorkspace bool) *findFixture {
	t.Helper()
	require.NoError(t, b.SetDevice(0))

	h, err := b.CreateHandle()
	require.NoError(t, err)
	xd := newTensorDesc(t, b, tensor.Shape{1, 1, 5, 5})
	wd := newTensorDesc(t, b, tensor.Shape{1, 1, 3, 3})
	yd := newTensorDesc(t, b, tensor.Shape{1, 1, 3, 3})
	cd, err := b.CreateConvolutionDescriptor()
	require.NoError(t, err)
	require.NoError(t, b.InitConvolutionDescriptor(cd, accel.DefaultConvParams()))

	xp := upload(t, b, make([]float32, 25))
	wp := upload(t, b, make([]float32, 9))
	yp := upload(t, b, make([]float32, 9))

	args := accel.ConvTensors{X: xd, XData: xp, W: wd, WData: wp, Conv: cd, Y: yd, YData: yp}
	if withWorkspace {
		size, err := b.ConvolutionForwardWorkspaceSize(h, wd, xd, cd, yd)
		require.NoError(t, err)
		assert.Equal(t, uint64(9*9*4), size, "im2col of a 3x3 filter over 3x3 outputs")
		args.Workspace, err = b.Malloc(size)
		require.NoError(t, err)
		args.WorkspaceSize = size
	}

	return &findFixture{b: b, h: h, args: args, free: func() {
		for _, p := range []accel.DevicePtr{xp, wp, yp} {
			require.NoError(t, b.Free(p))
		}
		if args.WorkspaceSize > 0 {
			require.NoError(t, b.Free(args.Workspace))
		}
		require.NoError(t, b.DestroyConvolutionDescriptor(cd))
		for _, d := range []accel.TensorDesc{xd, wd, yd} {
			require.NoError(t, b.DestroyTensorDescriptor(d))
		}
		require.NoError(t, b.DestroyHandle(h))
	}}
}

func TestFindAlgorithm(t *testing.T) {
	b := New()
	defer func() { require.NoError(t, b.Close()) }()
	f := newFindFixture(t, b, true)
	defer f.free()

	perfs, err := b.FindConvolutionForwardAlgorithm(f.h, f.args, 5, false)
	require.NoError(t, err)
	require.Len(t, perfs, 2)
	assert.LessOrEqual(t, perfs[0].Time, perfs[1].Time, "fastest first")

	top, err := b.FindConvolutionForwardAlgorithm(f.h, f.args, 1, true)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	_, err = b.FindConvolutionForwardAlgorithm(f.h, f.args, 0, false)
	assert.Equal(t, accel.StatusBadParm, statusOf(t, err))
}

func TestFindAlgorithmWithoutWorkspace(t *testing.T) {
	b := New()
	defer func() { require.NoError(t, b.Close()) }()
	f := newFindFixture(t, b, false)
	defer f.free()

	perfs, err := b.FindConvolutionForwardAlgorithm(f.h, f.args, 2, false)
	require.NoError(t, err)
	require.Len(t, perfs, 1)
	assert.Equal(t, accel.AlgoDirect, perfs[0].Algorithm)
	assert.Equal(t, uint64(0), perfs[0].Memory)
}

func TestFindAlgorithmNoViableCandidate(t *testing.T) {
	b := New(WithAlgorithms(accel.AlgoGEMM))
	defer func() { require.NoError(t, b.Close()) }()
	f := newFindFixture(t, b, false)
	defer f.free()

	_, err := b.FindConvolutionForwardAlgorithm(f.h, f.args, 1, false)
	assert.Equal(t, accel.StatusNotImplemented, statusOf(t, err))

	err = b.ConvolutionForward(f.h, 1, f.args, accel.AlgoGEMM, 0)
	assert.Equal(t, accel.StatusBadParm, statusOf(t, err), "GEMM without workspace")

	err = b.ConvolutionForward(f.h, 1, f.args, accel.AlgoDirect, 0)
	assert.Equal(t, accel.StatusBadParm, statusOf(t, err), "disabled algorithm")
}

func TestCloseReportsLeaks(t *testing.T) {
	b := New()
	require.NoError(t, b.SetDevice(0))

	_, err := b.Malloc(8)
	require.NoError(t, err)
	_, err = b.CreateTensorDescriptor()
	require.NoError(t, err)

	err = b.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 buffers")
	assert.Contains(t, err.Error(), "1 tensor descriptors")
}
