package conv

import "github.com/born-ml/convdemo/internal/accel"

// Scaling factors of the forward pass: output = Alpha*conv(input, filter) + Beta*output.
const (
	Alpha float32 = 1
	Beta  float32 = 0
)

// Forward runs the convolution with the selected algorithm and waits for
// the device, so the output buffer is safe to read when it returns.
func Forward(b accel.Backend, h accel.Handle, t accel.ConvTensors, algo accel.FwdAlgorithm) error {
	if err := b.ConvolutionForward(h, Alpha, t, algo, Beta); err != nil {
		return check(ErrExecution, "ConvolutionForward", err)
	}
	return check(ErrExecution, "Synchronize", b.Synchronize())
}
