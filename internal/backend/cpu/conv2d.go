package cpu

import (
	"fmt"
	"slices"
	"time"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/accel/registry"
	"github.com/born-ml/convdemo/internal/parallel"
	"github.com/born-ml/convdemo/internal/tensor"
)

// workspaceSize returns the scratch bytes algo needs.
// GEMM lowers one image at a time into a [C*R*S, H_out*W_out] column matrix.
func workspaceSize(g *registry.Geometry, algo accel.FwdAlgorithm) uint64 {
	switch algo {
	case accel.AlgoGEMM:
		//nolint:gosec // G115: dimensions are validated positive
		return uint64(g.W[1]*g.W[2]*g.W[3]) * uint64(g.Y[2]*g.Y[3]) * 4
	default:
		return 0
	}
}

// operands are the float32 views of one forward call's buffers.
type operands struct {
	x, w, y, workspace []float32
}

// resolve validates a ConvTensors bundle against the descriptors and returns
// views of its buffers. Caller holds b.mu.
func (b *Backend) resolve(call string, h accel.Handle, t accel.ConvTensors) (*registry.Geometry, *operands, error) {
	if err := b.reg.CheckHandle(call, h); err != nil {
		return nil, nil, err
	}
	g, err := b.reg.Geometry(call, t.Conv, t.X, t.W)
	if err != nil {
		return nil, nil, err
	}
	if err := b.reg.CheckOutput(call, g, t.Y); err != nil {
		return nil, nil, err
	}
	if g.DataType != tensor.Float32 {
		return nil, nil, accel.Errorf(call, accel.StatusUnsupportedOp, "data type %s", g.DataType)
	}

	ops := &operands{}
	if ops.x, err = b.view(call, t.XData); err != nil {
		return nil, nil, err
	}
	if ops.w, err = b.view(call, t.WData); err != nil {
		return nil, nil, err
	}
	if ops.y, err = b.view(call, t.YData); err != nil {
		return nil, nil, err
	}
	for _, check := range []struct {
		name string
		data []float32
		want int
	}{
		{"input", ops.x, g.X.NumElements()},
		{"filter", ops.w, g.W.NumElements()},
		{"output", ops.y, g.Y.NumElements()},
	} {
		if len(check.data) < check.want {
			return nil, nil, accel.Errorf(call, accel.StatusBadParm, "%s buffer holds %d elements, descriptor needs %d", check.name, len(check.data), check.want)
		}
	}

	if t.WorkspaceSize > 0 {
		if ops.workspace, err = b.view(call, t.Workspace); err != nil {
			return nil, nil, err
		}
		//nolint:gosec // G115: workspace views are bounded by allocation size
		if uint64(len(ops.workspace))*4 < t.WorkspaceSize {
			return nil, nil, accel.Errorf(call, accel.StatusBadParm, "workspace buffer smaller than declared %d bytes", t.WorkspaceSize)
		}
	}
	return g, ops, nil
}

// FindConvolutionForwardAlgorithm times every enabled algorithm that fits the
// workspace and returns up to requested results, fastest first.
func (b *Backend) FindConvolutionForwardAlgorithm(h accel.Handle, t accel.ConvTensors, requested int, exhaustive bool) ([]accel.AlgoPerf, error) {
	const call = "FindConvolutionForwardAlgorithm"

	if requested < 1 {
		return nil, accel.Errorf(call, accel.StatusBadParm, "requested %d algorithms", requested)
	}
	b.stream.drain()

	b.mu.Lock()
	defer b.mu.Unlock()

	g, ops, err := b.resolve(call, h, t)
	if err != nil {
		return nil, err
	}

	trials := 1
	if exhaustive {
		trials = 3
	}

	var perfs []accel.AlgoPerf
	for _, algo := range b.algorithms {
		need := workspaceSize(g, algo)
		if need > t.WorkspaceSize {
			b.logger.Debug("skipping algorithm", "algorithm", algo, "workspace", need, "available", t.WorkspaceSize)
			continue
		}

		best := time.Duration(-1)
		for range trials {
			start := time.Now()
			if err := forward(g, ops, algo, 1, 0, b.parallel); err != nil {
				return nil, accel.Errorf(call, accel.StatusInternalError, "%s: %v", algo, err)
			}
			if elapsed := time.Since(start); best < 0 || elapsed < best {
				best = elapsed
			}
		}
		b.logger.Debug("timed algorithm", "algorithm", algo, "duration", best, "workspace", need)

		perfs = append(perfs, accel.AlgoPerf{
			Algorithm: algo,
			Time:      float32(best.Seconds() * 1e3),
			Memory:    need,
		})
	}

	if len(perfs) == 0 {
		return nil, accel.Errorf(call, accel.StatusNotImplemented, "no algorithm fits a %d-byte workspace", t.WorkspaceSize)
	}

	slices.SortStableFunc(perfs, func(p, q accel.AlgoPerf) int {
		switch {
		case p.Time < q.Time:
			return -1
		case p.Time > q.Time:
			return 1
		default:
			return 0
		}
	})
	if len(perfs) > requested {
		perfs = perfs[:requested]
	}
	return perfs, nil
}

// ConvolutionForward validates the call and queues y = alpha*conv(x, w) + beta*y
// on the stream. Faults during the computation surface at Synchronize.
func (b *Backend) ConvolutionForward(h accel.Handle, alpha float32, t accel.ConvTensors, algo accel.FwdAlgorithm, beta float32) error {
	const call = "ConvolutionForward"

	b.mu.Lock()
	defer b.mu.Unlock()

	g, ops, err := b.resolve(call, h, t)
	if err != nil {
		return err
	}
	if !slices.Contains(b.algorithms, algo) {
		return accel.Errorf(call, accel.StatusBadParm, "algorithm %s not available", algo)
	}
	if need := workspaceSize(g, algo); need > t.WorkspaceSize {
		return accel.Errorf(call, accel.StatusBadParm, "%s needs a %d-byte workspace, got %d", algo, need, t.WorkspaceSize)
	}

	cfg := b.parallel
	b.stream.enqueue(func() error {
		if err := forward(g, ops, algo, alpha, beta, cfg); err != nil {
			return accel.Errorf(call, accel.StatusInternalError, "%s: %v", algo, err)
		}
		return nil
	})
	return nil
}

// forward dispatches to the algorithm's kernel.
func forward(g *registry.Geometry, ops *operands, algo accel.FwdAlgorithm, alpha, beta float32, cfg parallel.Config) error {
	switch algo {
	case accel.AlgoGEMM:
		return forwardGEMM(g, ops, alpha, beta)
	case accel.AlgoDirect:
		return forwardDirect(g, ops, alpha, beta, cfg)
	default:
		return fmt.Errorf("unsupported algorithm %s", algo)
	}
}

// forwardDirect evaluates every output element independently, one goroutine
// chunk per (batch, output channel) plane.
func forwardDirect(g *registry.Geometry, ops *operands, alpha, beta float32, cfg parallel.Config) error {
	N, K := g.Y[0], g.Y[1]
	C, R, S := g.W[1], g.W[2], g.W[3]
	H, W := g.X[2], g.X[3]
	HOut, WOut := g.Y[2], g.Y[3]
	p := g.Params

	return parallel.ForBatch(N, K, func(n, k int) error {
		for oh := 0; oh < HOut; oh++ {
			for ow := 0; ow < WOut; ow++ {
				var sum float32
				for c := 0; c < C; c++ {
					for r := 0; r < R; r++ {
						ih := oh*p.StrideH - p.PadH + r*p.DilationH
						if ih < 0 || ih >= H {
							continue
						}
						for s := 0; s < S; s++ {
							iw := ow*p.StrideW - p.PadW + s*p.DilationW
							if iw < 0 || iw >= W {
								continue
							}
							sum += ops.x[g.X.Offset(n, c, ih, iw)] * ops.w[g.W.Offset(k, c, r, s)]
						}
					}
				}

				idx := g.Y.Offset(n, k, oh, ow)
				if beta == 0 {
					ops.y[idx] = alpha * sum
				} else {
					ops.y[idx] = alpha*sum + beta*ops.y[idx]
				}
			}
		}
		return nil
	}, cfg)
}

// forwardGEMM lowers each image with im2col and multiplies it by the filter matrix.
//
// Per image n:
//
//	col:    [C*R*S, H_out*W_out]  (workspace)
//	filter: [K, C*R*S]
//	y[n]:   [K, H_out*W_out] = alpha * filter @ col + beta * y[n]
//
// The output plane of image n is already contiguous in NCHW, so the GEMM
// writes it in place.
func forwardGEMM(g *registry.Geometry, ops *operands, alpha, beta float32) error {
	N, K := g.Y[0], g.Y[1]
	crs := g.W[1] * g.W[2] * g.W[3]
	hw := g.Y[2] * g.Y[3]

	if len(ops.workspace) < crs*hw {
		return fmt.Errorf("workspace holds %d elements, im2col needs %d", len(ops.workspace), crs*hw)
	}
	col := ops.workspace[:crs*hw]

	filter := blas32.General{Rows: K, Cols: crs, Stride: crs, Data: ops.w[:K*crs]}
	colMat := blas32.General{Rows: crs, Cols: hw, Stride: hw, Data: col}

	plane := K * hw
	for n := 0; n < N; n++ {
		im2col(col, ops.x, n, g)
		out := blas32.General{Rows: K, Cols: hw, Stride: hw, Data: ops.y[n*plane : (n+1)*plane]}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha, filter, colMat, beta, out)
	}
	return nil
}

// im2col writes image n of x as a [C*R*S, H_out*W_out] column matrix.
// Row (c, r, s) holds the input value that filter tap meets at every output
// position; taps that land in the padding read zero.
func im2col(col, x []float32, n int, g *registry.Geometry) {
	C, R, S := g.W[1], g.W[2], g.W[3]
	H, W := g.X[2], g.X[3]
	HOut, WOut := g.Y[2], g.Y[3]
	p := g.Params

	idx := 0
	for c := 0; c < C; c++ {
		for r := 0; r < R; r++ {
			for s := 0; s < S; s++ {
				for oh := 0; oh < HOut; oh++ {
					ih := oh*p.StrideH - p.PadH + r*p.DilationH
					for ow := 0; ow < WOut; ow++ {
						iw := ow*p.StrideW - p.PadW + s*p.DilationW
						if ih >= 0 && ih < H && iw >= 0 && iw < W {
							col[idx] = x[g.X.Offset(n, c, ih, iw)]
						} else {
							col[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}
