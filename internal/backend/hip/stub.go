//go:build !cgo || !rocm

// Package hip implements the accelerator runtime on HIP and the primitives
// library on MIOpen. Without cgo and the rocm build tag it is unavailable.
package hip

import (
	"log/slog"

	"github.com/born-ml/convdemo/internal/accel"
)

// Open reports that the HIP backend was not compiled in.
func Open(*slog.Logger) (accel.Backend, error) {
	return nil, accel.ErrUnavailable
}
