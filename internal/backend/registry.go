// Package backend opens an accelerator backend by name.
package backend

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/backend/cpu"
	"github.com/born-ml/convdemo/internal/backend/hip"
	"github.com/born-ml/convdemo/internal/backend/webgpu"
)

// Names lists the accepted backend names.
var Names = []string{"auto", "hip", "webgpu", "cpu"}

type opener func(*slog.Logger) (accel.Backend, error)

var openers = map[string]opener{
	"hip":    hip.Open,
	"webgpu": webgpu.Open,
	"cpu": func(logger *slog.Logger) (accel.Backend, error) {
		return cpu.New(cpu.WithLogger(logger)), nil
	},
}

// autoOrder is the preference of "auto". The host backend is never picked
// implicitly: it is not a GPU.
var autoOrder = []string{"hip", "webgpu"}

// IsHost reports whether b runs on the host CPU rather than a GPU.
func IsHost(b accel.Backend) bool {
	_, ok := b.(*cpu.Backend)
	return ok
}

// Open returns the named backend. "auto" tries each GPU backend in turn and
// returns an error wrapping accel.ErrUnavailable when none can be opened.
func Open(name string, logger *slog.Logger) (accel.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if name != "auto" {
		open, ok := openers[name]
		if !ok {
			return nil, fmt.Errorf("unknown backend %q", name)
		}
		b, err := open(logger)
		if err != nil {
			return nil, fmt.Errorf("%s backend: %w", name, err)
		}
		return b, nil
	}

	var errs []error
	for _, n := range autoOrder {
		b, err := openers[n](logger)
		if err == nil {
			logger.Debug("selected backend", "backend", b.Name())
			return b, nil
		}
		logger.Debug("backend unavailable", "backend", n, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", n, err))
	}
	return nil, fmt.Errorf("no GPU backend available: %w", errors.Join(errs...))
}
