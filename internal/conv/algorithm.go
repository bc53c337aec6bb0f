package conv

import "github.com/born-ml/convdemo/internal/accel"

// SearchOptions tune the library's forward algorithm search.
type SearchOptions struct {
	// Requested is how many candidates the search returns. Values below 1 mean 1.
	Requested int
	// Exhaustive asks the library to benchmark more thoroughly.
	Exhaustive bool
}

// Operands are the device buffers of a forward convolution.
type Operands struct {
	Input  Buffer
	Filter Buffer
	Output Buffer
}

// Selection is the outcome of algorithm selection.
type Selection struct {
	Algorithm  accel.FwdAlgorithm
	Workspace  Buffer
	Candidates []accel.AlgoPerf
}

// Tensors bundles descriptors, operands and workspace for library calls.
func (sel *Selection) Tensors(d *Descriptors, ops Operands) accel.ConvTensors {
	return accel.ConvTensors{
		X:             d.Input,
		XData:         ops.Input.Ptr,
		W:             d.Filter,
		WData:         ops.Filter.Ptr,
		Conv:          d.Conv,
		Y:             d.Output,
		YData:         ops.Output.Ptr,
		Workspace:     sel.Workspace.Ptr,
		WorkspaceSize: sel.Workspace.Size,
	}
}

// SelectAlgorithm sizes and allocates the workspace, then lets the library
// search for forward algorithms and picks the first candidate it returns.
// A zero workspace allocates nothing. The search may overwrite ops.Output.
func SelectAlgorithm(b accel.Backend, s *Scope, h accel.Handle, d *Descriptors, ops Operands, opts SearchOptions) (*Selection, error) {
	size, err := b.ConvolutionForwardWorkspaceSize(h, d.Filter, d.Input, d.Conv, d.Output)
	if err != nil {
		return nil, check(ErrAlgorithmSelection, "ConvolutionForwardWorkspaceSize", err)
	}

	sel := &Selection{}
	if size > 0 {
		if sel.Workspace, err = Allocate(b, s, size); err != nil {
			return nil, err
		}
	}

	requested := max(opts.Requested, 1)
	perfs, err := b.FindConvolutionForwardAlgorithm(h, sel.Tensors(d, ops), requested, opts.Exhaustive)
	if err != nil {
		return nil, check(ErrAlgorithmSelection, "FindConvolutionForwardAlgorithm", err)
	}
	if len(perfs) == 0 {
		return nil, fail(ErrAlgorithmSelection, "FindConvolutionForwardAlgorithm", "no candidate returned")
	}

	sel.Algorithm = perfs[0].Algorithm
	sel.Candidates = perfs
	return sel, nil
}
