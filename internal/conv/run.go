// Package conv sequences one forward convolution against an accelerator
// runtime and primitives library: device selection, descriptor construction,
// buffer provisioning, algorithm search, execution, reporting and teardown.
//
// Every step wraps the external call that failed in a *StepError whose kind
// is one of the package's sentinel errors. Resources are owned by a Scope and
// released in reverse creation order on every exit path.
package conv

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/report"
	"github.com/born-ml/convdemo/internal/tensor"
)

// State is a stage of a run.
type State int

// Run states, in order.
const (
	Idle State = iota
	DeviceSelected
	HandleCreated
	DescriptorsBuilt
	BuffersAllocated
	AlgorithmChosen
	Executed
	Reported
	TornDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DeviceSelected:
		return "device-selected"
	case HandleCreated:
		return "handle-created"
	case DescriptorsBuilt:
		return "descriptors-built"
	case BuffersAllocated:
		return "buffers-allocated"
	case AlgorithmChosen:
		return "algorithm-chosen"
	case Executed:
		return "executed"
	case Reported:
		return "reported"
	case TornDown:
		return "torn-down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configure a Runner.
type Options struct {
	Device int
	Search SearchOptions
	// Verbose prints the algorithm candidates after the output tensor.
	Verbose bool
	// Host labels the device as the host CPU instead of a GPU.
	Host bool
}

// Result is what a successful run computed.
type Result struct {
	Device      Device
	Output      []float32
	OutputShape tensor.Shape
	Selection   *Selection
	Elapsed     time.Duration
}

// Runner drives runs against one backend. Output goes to Out; diagnostics
// to Logger. A Runner may be run more than once but not concurrently.
type Runner struct {
	Backend accel.Backend
	Logger  *slog.Logger
	Out     io.Writer
	Options Options

	state   State
	history []State
}

// NewRunner returns a Runner writing to out.
func NewRunner(b accel.Backend, out io.Writer, opts Options) *Runner {
	return &Runner{Backend: b, Logger: slog.Default(), Out: out, Options: opts}
}

// State returns the state the last run reached.
func (r *Runner) State() State {
	return r.state
}

// History returns the states the last run passed through.
func (r *Runner) History() []State {
	return append([]State(nil), r.history...)
}

func (r *Runner) enter(s State) {
	r.state = s
	r.history = append(r.history, s)
	r.Logger.Debug("run state", "state", s)
}

func (r *Runner) deviceKind() string {
	if r.Options.Host {
		return "host device"
	}
	return "GPU device"
}

// Run computes p over the host input and filter and prints the tensors.
// Whatever the outcome, everything created is released before Run returns;
// release failures are joined to the returned error.
func (r *Runner) Run(p Problem, input, filter []float32) (res *Result, err error) {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.Out == nil {
		r.Out = io.Discard
	}
	r.state = Idle
	r.history = []State{Idle}
	start := time.Now()

	scope := &Scope{}
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			r.Logger.Error("teardown", "error", cerr)
			err = errors.Join(err, cerr)
		}
		r.enter(TornDown)
		if err != nil {
			res = nil
		}
	}()

	if err := p.Validate(); err != nil {
		return nil, err
	}

	b := r.Backend
	dev, err := SelectDevice(b, r.Options.Device)
	if err != nil {
		return nil, err
	}
	r.enter(DeviceSelected)
	r.Logger.Info("device selected", "backend", b.Name(), "device", dev.Ordinal, "name", dev.Props.Name,
		"capability", fmt.Sprintf("%d.%d", dev.Props.Major, dev.Props.Minor))
	if _, err := fmt.Fprintf(r.Out, "Using %s: %s\n", r.deviceKind(), dev.Props.Name); err != nil {
		return nil, err
	}

	h, err := b.CreateHandle()
	if err != nil {
		return nil, check(ErrLibrary, "CreateHandle", err)
	}
	scope.Defer("DestroyHandle", func() error { return b.DestroyHandle(h) })
	r.enter(HandleCreated)

	if err := p.CheckHostData(input, filter); err != nil {
		return nil, err
	}
	desc, err := BuildDescriptors(b, scope, p)
	if err != nil {
		return nil, err
	}
	r.enter(DescriptorsBuilt)

	var ops Operands
	if ops.Input, err = AllocateFloat32(b, scope, p.Input); err != nil {
		return nil, err
	}
	if ops.Output, err = AllocateFloat32(b, scope, desc.OutputShape); err != nil {
		return nil, err
	}
	if ops.Filter, err = AllocateFloat32(b, scope, p.Filter); err != nil {
		return nil, err
	}
	if err := Upload(b, ops.Input, input); err != nil {
		return nil, err
	}
	if err := Upload(b, ops.Filter, filter); err != nil {
		return nil, err
	}
	r.enter(BuffersAllocated)

	sel, err := SelectAlgorithm(b, scope, h, desc, ops, r.Options.Search)
	if err != nil {
		return nil, err
	}
	r.enter(AlgorithmChosen)
	r.Logger.Info("algorithm chosen", "algorithm", sel.Algorithm, "time", sel.Candidates[0].Duration(),
		"workspace", sel.Workspace.Size, "candidates", len(sel.Candidates))

	if err := Forward(b, h, sel.Tensors(desc, ops), sel.Algorithm); err != nil {
		return nil, err
	}
	output := make([]float32, desc.OutputShape.NumElements())
	if err := Download(b, ops.Output, output); err != nil {
		return nil, err
	}
	r.enter(Executed)

	if err := r.print(p, input, filter, output, desc.OutputShape, sel); err != nil {
		return nil, err
	}
	r.enter(Reported)

	return &Result{
		Device:      dev,
		Output:      output,
		OutputShape: desc.OutputShape,
		Selection:   sel,
		Elapsed:     time.Since(start),
	}, nil
}

func (r *Runner) print(p Problem, input, filter, output []float32, outShape tensor.Shape, sel *Selection) error {
	if err := report.Section(r.Out, "Input", input, p.Input); err != nil {
		return err
	}
	if err := report.Section(r.Out, "Filter", filter, p.Filter); err != nil {
		return err
	}
	if err := report.Section(r.Out, "Output", output, outShape); err != nil {
		return err
	}
	if r.Options.Verbose {
		report.Algorithms(r.Out, sel.Candidates, sel.Algorithm)
	}
	return nil
}
