package accel

import (
	"fmt"
	"time"
)

// FwdAlgorithm selects a forward convolution implementation.
type FwdAlgorithm int

// Forward algorithms. Values match the vendor library's enumeration.
const (
	AlgoGEMM         FwdAlgorithm = 0
	AlgoDirect       FwdAlgorithm = 1
	AlgoFFT          FwdAlgorithm = 2
	AlgoWinograd     FwdAlgorithm = 3
	AlgoImplicitGEMM FwdAlgorithm = 5
)

// String returns the algorithm name.
func (a FwdAlgorithm) String() string {
	switch a {
	case AlgoGEMM:
		return "GEMM"
	case AlgoDirect:
		return "Direct"
	case AlgoFFT:
		return "FFT"
	case AlgoWinograd:
		return "Winograd"
	case AlgoImplicitGEMM:
		return "ImplicitGEMM"
	default:
		return fmt.Sprintf("FwdAlgorithm(%d)", int(a))
	}
}

// AlgoPerf is one candidate returned by an algorithm search.
type AlgoPerf struct {
	Algorithm FwdAlgorithm
	// Time is the measured execution time in milliseconds.
	Time float32
	// Memory is the workspace the algorithm needs, in bytes.
	Memory uint64
}

// Duration returns Time as a time.Duration.
func (p AlgoPerf) Duration() time.Duration {
	return time.Duration(float64(p.Time) * float64(time.Millisecond))
}
