package conv

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/accel/acceltest"
	"github.com/born-ml/convdemo/internal/backend/cpu"
	"github.com/born-ml/convdemo/internal/tensor"
)

var (
	sampleInput = []float32{
		0, 1, 1, 1, 0,
		0, 0, 1, 1, 1,
		0, 0, 0, 1, 1,
		0, 0, 0, 1, 1,
		0, 0, 1, 1, 0,
	}
	sampleFilter = []float32{
		1, 0, 1,
		0, 1, 0,
		1, 0, 1,
	}
	sampleOutput = []float32{
		1, 4, 3,
		1, 2, 4,
		1, 2, 3,
	}
)

func sampleProblem() Problem {
	return Problem{
		Input:    tensor.Shape{1, 1, 5, 5},
		Filter:   tensor.Shape{1, 1, 3, 3},
		Params:   accel.DefaultConvParams(),
		DataType: tensor.Float32,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTrackedRunner returns a runner over a tracked host backend. The backend
// is closed when the test ends.
func newTrackedRunner(t *testing.T, out io.Writer, opts Options, cpuOpts ...cpu.Option) (*Runner, *acceltest.Tracker) {
	t.Helper()
	tr := acceltest.New(cpu.New(append([]cpu.Option{cpu.WithLogger(quietLogger())}, cpuOpts...)...))
	t.Cleanup(func() { _ = tr.Close() })

	r := NewRunner(tr, out, opts)
	r.Logger = quietLogger()
	return r, tr
}

// assertBalanced checks that every resource was released exactly once, in
// reverse creation order.
func assertBalanced(t *testing.T, tr *acceltest.Tracker) {
	t.Helper()
	acquired := tr.Acquired()
	slices.Reverse(acquired)
	assert.Equal(t, acquired, tr.Released(), "release order")
	assert.Empty(t, tr.Leaks(), "leaks")
	assert.Empty(t, tr.DoubleFrees(), "double frees")
}

func TestRunSampleProblem(t *testing.T) {
	var out bytes.Buffer
	r, tr := newTrackedRunner(t, &out, Options{})

	res, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.NoError(t, err)

	assert.Equal(t, sampleOutput, res.Output)
	assert.Equal(t, tensor.Shape{1, 1, 3, 3}, res.OutputShape)
	assert.Equal(t, TornDown, r.State())
	assert.Equal(t, []State{Idle, DeviceSelected, HandleCreated, DescriptorsBuilt, BuffersAllocated,
		AlgorithmChosen, Executed, Reported, TornDown}, r.History())
	assertBalanced(t, tr)

	want := "Using GPU device: " + res.Device.Props.Name + "\n" +
		"Input Tensor:\n" +
		"0 1 1 1 0\n0 0 1 1 1\n0 0 0 1 1\n0 0 0 1 1\n0 0 1 1 0\n\n" +
		"Filter Tensor:\n" +
		"1 0 1\n0 1 0\n1 0 1\n\n" +
		"Output Tensor:\n" +
		"1 4 3\n1 2 4\n1 2 3\n\n"
	assert.Equal(t, want, out.String())
}

func TestRunLabelsHostDevice(t *testing.T) {
	var out bytes.Buffer
	r, _ := newTrackedRunner(t, &out, Options{Host: true})

	res, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.NoError(t, err)

	first, _, _ := strings.Cut(out.String(), "\n")
	assert.Equal(t, "Using host device: "+res.Device.Props.Name, first)
	assert.NotContains(t, out.String(), "GPU")
}

func TestRunReleasesWorkspaceLast(t *testing.T) {
	r, tr := newTrackedRunner(t, io.Discard, Options{})

	res, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.NoError(t, err)
	require.NotZero(t, res.Selection.Workspace.Size, "host backend sizes for GEMM")

	released := tr.Released()
	require.NotEmpty(t, released)
	assert.Equal(t, acceltest.Resource{Kind: acceltest.KindBuffer, ID: uintptr(res.Selection.Workspace.Ptr)}, released[0])
	assert.Equal(t, acceltest.KindHandle, released[len(released)-1].Kind)
}

func TestRunOutputShapeProperty(t *testing.T) {
	for h := 1; h <= 6; h++ {
		for w := 1; w <= 6; w++ {
			for rr := 1; rr <= h; rr++ {
				for s := 1; s <= w; s++ {
					p := Problem{
						Input:    tensor.Shape{1, 1, h, w},
						Filter:   tensor.Shape{1, 1, rr, s},
						Params:   accel.DefaultConvParams(),
						DataType: tensor.Float32,
					}
					input := ramp(h*w, 0.5)
					filter := ramp(rr*s, -0.25)

					r, tr := newTrackedRunner(t, io.Discard, Options{})
					res, err := r.Run(p, input, filter)
					require.NoError(t, err, "input %v filter %v", p.Input, p.Filter)

					assert.Equal(t, tensor.Shape{1, 1, h - rr + 1, w - s + 1}, res.OutputShape)
					if diff := cmp.Diff(reference(input, h, w, filter, rr, s), res.Output); diff != "" {
						t.Errorf("input %v filter %v mismatch (-want +got):\n%s", p.Input, p.Filter, diff)
					}
					assertBalanced(t, tr)
				}
			}
		}
	}
}

func ramp(n int, step float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%7) * step
	}
	return out
}

// reference is an unpadded, unit-stride single-channel cross-correlation.
func reference(x []float32, h, w int, f []float32, r, s int) []float32 {
	ho, wo := h-r+1, w-s+1
	out := make([]float32, ho*wo)
	for i := 0; i < ho; i++ {
		for j := 0; j < wo; j++ {
			var sum float32
			for a := 0; a < r; a++ {
				for b := 0; b < s; b++ {
					sum += x[(i+a)*w+j+b] * f[a*s+b]
				}
			}
			out[i*wo+j] = sum
		}
	}
	return out
}

func TestRunHostLengthMismatch(t *testing.T) {
	for name, data := range map[string][2][]float32{
		"short input":  {sampleInput[:24], sampleFilter},
		"long filter":  {sampleInput, append(slices.Clone(sampleFilter), 1)},
		"empty filter": {sampleInput, nil},
	} {
		t.Run(name, func(t *testing.T) {
			r, tr := newTrackedRunner(t, io.Discard, Options{})

			_, err := r.Run(sampleProblem(), data[0], data[1])
			require.ErrorIs(t, err, ErrShapeMismatch)

			calls := tr.Calls()
			assert.NotContains(t, calls, "Malloc")
			assert.NotContains(t, calls, "MemcpyHtoD")
			assertBalanced(t, tr)
		})
	}
}

func TestRunNoDevice(t *testing.T) {
	var out bytes.Buffer
	r, tr := newTrackedRunner(t, &out, Options{})
	tr.SetDeviceCount(0)

	res, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.ErrorIs(t, err, ErrNoDevice)
	assert.Nil(t, res)
	assert.Equal(t, []string{"DeviceCount"}, tr.Calls())
	assert.Empty(t, out.String())
	assert.Equal(t, TornDown, r.State())
}

func TestRunSentinelDevice(t *testing.T) {
	r, tr := newTrackedRunner(t, io.Discard, Options{})
	tr.SetProperties(accel.DeviceProps{Name: "emulator", Major: 9999, Minor: 9999})

	_, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.ErrorIs(t, err, ErrInvalidDevice)
	assert.Equal(t, []string{"DeviceCount", "DeviceProperties"}, tr.Calls())
}

func TestRunDeviceOutOfRange(t *testing.T) {
	r, tr := newTrackedRunner(t, io.Discard, Options{Device: 2})

	_, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.ErrorIs(t, err, ErrInvalidDevice)
	assert.Equal(t, []string{"DeviceCount"}, tr.Calls())
}

func TestRunInjectedFailures(t *testing.T) {
	cases := []struct {
		call string
		kind error
	}{
		{"DeviceCount", ErrNoDevice},
		{"DeviceProperties", ErrInvalidDevice},
		{"SetDevice", ErrInvalidDevice},
		{"CreateHandle", ErrLibrary},
		{"CreateTensorDescriptor", ErrLibrary},
		{"SetTensor4d", ErrLibrary},
		{"CreateConvolutionDescriptor", ErrLibrary},
		{"InitConvolutionDescriptor", ErrLibrary},
		{"ConvolutionForwardOutputDim", ErrShapeMismatch},
		{"Malloc", ErrOutOfMemory},
		{"MemcpyHtoD", ErrTransfer},
		{"ConvolutionForwardWorkspaceSize", ErrAlgorithmSelection},
		{"FindConvolutionForwardAlgorithm", ErrAlgorithmSelection},
		{"ConvolutionForward", ErrExecution},
		{"Synchronize", ErrExecution},
		{"MemcpyDtoH", ErrTransfer},
	}
	for _, tc := range cases {
		t.Run(tc.call, func(t *testing.T) {
			var out bytes.Buffer
			r, tr := newTrackedRunner(t, &out, Options{})
			tr.Fail(tc.call, accel.StatusInternalError)

			res, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
			require.ErrorIs(t, err, tc.kind)
			assert.Nil(t, res)
			assert.NotErrorIs(t, err, ErrRelease)

			aerr, ok := Status(err)
			require.True(t, ok, "backend status is preserved")
			assert.Equal(t, tc.call, aerr.Call)
			assert.Equal(t, int(accel.StatusInternalError), aerr.Code)

			var step *StepError
			require.ErrorAs(t, err, &step)
			assert.Equal(t, tc.call, step.Call)
			assert.Regexp(t, `^\w+\.go:\d+$`, step.Location)

			assert.Equal(t, TornDown, r.State())
			assert.NotContains(t, out.String(), "Output Tensor:")
			assertBalanced(t, tr)
		})
	}
}

func TestRunReleaseFailure(t *testing.T) {
	r, tr := newTrackedRunner(t, io.Discard, Options{})
	tr.Fail("DestroyTensorDescriptor", accel.StatusBadParm)

	res, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.ErrorIs(t, err, ErrRelease)
	assert.Nil(t, res)

	// The other releases still ran.
	leaks := tr.Leaks()
	require.Len(t, leaks, 3)
	for _, l := range leaks {
		assert.Equal(t, acceltest.KindTensorDesc, l.Kind)
	}
	assert.Empty(t, tr.DoubleFrees())

	tr.Clear("DestroyTensorDescriptor")
	for _, l := range leaks {
		require.NoError(t, tr.DestroyTensorDescriptor(accel.TensorDesc(l.ID)))
	}
}

func TestRunFailureAndReleaseFailureAreJoined(t *testing.T) {
	r, tr := newTrackedRunner(t, io.Discard, Options{})
	tr.Fail("MemcpyHtoD", accel.StatusInternalError)
	tr.Fail("DestroyHandle", accel.StatusBadParm)

	_, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, ErrRelease)

	tr.Clear("DestroyHandle")
	for _, l := range tr.Leaks() {
		require.NoError(t, tr.DestroyHandle(accel.Handle(l.ID)))
	}
}

func TestRunIsDeterministic(t *testing.T) {
	p := Problem{
		Input:    tensor.Shape{2, 3, 7, 6},
		Filter:   tensor.Shape{4, 3, 3, 2},
		Params:   accel.ConvParams{PadH: 1, PadW: 1, StrideH: 2, StrideW: 1, DilationH: 1, DilationW: 2},
		DataType: tensor.Float32,
	}
	input := make([]float32, p.Input.NumElements())
	for i := range input {
		input[i] = float32(math.Sin(float64(i))) / 3
	}
	filter := make([]float32, p.Filter.NumElements())
	for i := range filter {
		filter[i] = float32(math.Cos(float64(i)*0.7)) / 7
	}

	bits := func(v []float32) []uint32 {
		out := make([]uint32, len(v))
		for i, f := range v {
			out[i] = math.Float32bits(f)
		}
		return out
	}

	for _, algo := range []accel.FwdAlgorithm{accel.AlgoGEMM, accel.AlgoDirect} {
		t.Run(algo.String(), func(t *testing.T) {
			var out1, out2 bytes.Buffer
			r, tr := newTrackedRunner(t, &out1, Options{}, cpu.WithAlgorithms(algo))

			first, err := r.Run(p, input, filter)
			require.NoError(t, err)
			assertBalanced(t, tr)
			firstCalls := tr.Calls()
			tr.Reset()

			r.Out = &out2
			second, err := r.Run(p, input, filter)
			require.NoError(t, err)
			assertBalanced(t, tr)

			assert.Equal(t, algo, first.Selection.Algorithm)
			assert.Equal(t, bits(first.Output), bits(second.Output))
			assert.Equal(t, out1.String(), out2.String())
			assert.Equal(t, firstCalls, tr.Calls())
		})
	}
}

func TestRunVerboseListsCandidates(t *testing.T) {
	var out bytes.Buffer
	r, _ := newTrackedRunner(t, &out, Options{Verbose: true, Search: SearchOptions{Requested: 4}})

	res, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.NoError(t, err)

	require.Len(t, res.Selection.Candidates, 2)
	assert.Equal(t, res.Selection.Candidates[0].Algorithm, res.Selection.Algorithm)
	assert.Contains(t, out.String(), "ALGORITHM")
	assert.Contains(t, out.String(), "GEMM")
	assert.Contains(t, out.String(), "Direct")
}

func TestStepErrorMessage(t *testing.T) {
	r, tr := newTrackedRunner(t, io.Discard, Options{})
	tr.Fail("Malloc", accel.StatusAllocFailed)

	_, err := r.Run(sampleProblem(), sampleInput, sampleFilter)
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`^out of device memory: Malloc at buffer\.go:\d+: allocation failed \(status 4\)$`), err.Error())
}

func TestStepErrorWithoutCause(t *testing.T) {
	err := &StepError{Kind: ErrNoDevice, Call: "DeviceCount", Location: "device.go:20"}
	assert.Equal(t, "no GPU device found: DeviceCount at device.go:20", err.Error())
	assert.True(t, errors.Is(err, ErrNoDevice))
	_, ok := Status(err)
	assert.False(t, ok)
}
