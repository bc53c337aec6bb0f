package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/tensor"
)

func TestTensor(t *testing.T) {
	var buf bytes.Buffer
	err := Tensor(&buf, []float32{1, 4, 3, 1, 2, 4, 1, 2, 3}, tensor.Shape{1, 1, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, "1 4 3\n1 2 4\n1 2 3\n\n", buf.String())
}

func TestTensorChannelsAndBatches(t *testing.T) {
	var buf bytes.Buffer
	data := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, Tensor(&buf, data, tensor.Shape{2, 2, 1, 2}))
	assert.Equal(t, "1 2\n\n3 4\n\n5 6\n\n7 8\n\n", buf.String())
}

func TestTensorRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Tensor(&buf, []float32{1, 2}, tensor.Shape{1, 1, 3, 3}))
	assert.Error(t, Tensor(&buf, []float32{1}, tensor.Shape{1, 1}))
	assert.Empty(t, buf.String())
}

func TestFormatValue(t *testing.T) {
	cases := map[float32]string{
		0:         "0",
		1:         "1",
		-2.5:      "-2.5",
		0.125:     "0.125",
		1234567:   "1.23457e+06",
		0.0000125: "1.25e-05",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatValue(in), "%v", in)
	}
}

func TestSection(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Section(&buf, "Filter", []float32{1}, tensor.Shape{1, 1, 1, 1}))
	assert.Equal(t, "Filter Tensor:\n1\n\n", buf.String())
}

func TestAlgorithms(t *testing.T) {
	var buf bytes.Buffer
	Algorithms(&buf, []accel.AlgoPerf{
		{Algorithm: accel.AlgoGEMM, Time: 0.5, Memory: 2048},
		{Algorithm: accel.AlgoDirect, Time: 1.25},
	}, accel.AlgoGEMM)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ALGORITHM")
	assert.Contains(t, lines[1], "*")
	assert.Contains(t, lines[1], "GEMM")
	assert.Contains(t, lines[1], "2.0 KiB")
	assert.Contains(t, lines[2], "Direct")
	assert.Contains(t, lines[2], "1.25ms")
	assert.NotContains(t, lines[2], "*")
}
