//go:build !windows

// Package webgpu implements the accelerator runtime and primitives library on
// WebGPU. It is only built on Windows, where the native library is shipped.
package webgpu

import (
	"log/slog"

	"github.com/born-ml/convdemo/internal/accel"
)

// Open reports that WebGPU is not built on this platform.
func Open(*slog.Logger) (accel.Backend, error) {
	return nil, accel.ErrUnavailable
}
