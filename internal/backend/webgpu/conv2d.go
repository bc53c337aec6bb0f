//go:build windows

package webgpu

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/convdemo/internal/accel"
	"github.com/born-ml/convdemo/internal/accel/registry"
)

// FindConvolutionForwardAlgorithm times the direct shader, the only algorithm
// this backend offers.
func (b *Backend) FindConvolutionForwardAlgorithm(h accel.Handle, t accel.ConvTensors, requested int, exhaustive bool) ([]accel.AlgoPerf, error) {
	const call = "FindConvolutionForwardAlgorithm"

	if requested < 1 {
		return nil, accel.Errorf(call, accel.StatusBadParm, "requested %d algorithms", requested)
	}

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
	best := time.Duration(-1)
	for range trials {
		start := time.Now()
		b.encodeForward(g, ops, 1, 0)
		b.flushLocked()
		if err := b.fence(); err != nil {
			return nil, accel.Errorf(call, accel.StatusInternalError, "%v", err)
		}
		if elapsed := time.Since(start); best < 0 || elapsed < best {
			best = elapsed
		}
	}
	b.logger.Debug("timed algorithm", "algorithm", accel.AlgoDirect, "duration", best)

	return []accel.AlgoPerf{{
		Algorithm: accel.AlgoDirect,
		Time:      float32(best.Seconds() * 1e3),
	}}, nil
}

// ConvolutionForward records y = alpha*conv(x, w) + beta*y. The pass is
// submitted at the next copy, Free or Synchronize.
func (b *Backend) ConvolutionForward(h accel.Handle, alpha float32, t accel.ConvTensors, algo accel.FwdAlgorithm, beta float32) error {
	const call = "ConvolutionForward"

	if algo != accel.AlgoDirect {
		return accel.Errorf(call, accel.StatusBadParm, "algorithm %s not available", algo)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	g, ops, err := b.resolve(call, h, t)
	if err != nil {
		return err
	}
	b.encodeForward(g, ops, alpha, beta)
	return nil
}

type operands struct {
	x, w, y *buffer
}

// resolve validates a ConvTensors bundle and looks up its buffers. Caller holds b.mu.
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

	ops := &operands{}
	for _, ref := range []struct {
		ptr  accel.DevicePtr
		dst  **buffer
		need int
	}{
		{t.XData, &ops.x, g.X.NumElements()},
		{t.WData, &ops.w, g.W.NumElements()},
		{t.YData, &ops.y, g.Y.NumElements()},
	} {
		buf, ok := b.buffers[ref.ptr]
		if !ok {
			return nil, nil, accel.Errorf(call, accel.StatusBadParm, "invalid device pointer %#x", uintptr(ref.ptr))
		}
		//nolint:gosec // G115: element counts of validated shapes are positive
		if buf.size < uint64(ref.need)*4 {
			return nil, nil, accel.Errorf(call, accel.StatusBadParm, "buffer %#x holds %d bytes, descriptor needs %d", uintptr(ref.ptr), buf.size, ref.need*4)
		}
		*ref.dst = buf
	}
	return g, ops, nil
}

// encodeForward records one dispatch of the convolution shader. Caller holds b.mu.
func (b *Backend) encodeForward(g *registry.Geometry, ops *operands, alpha, beta float32) {
	shader := b.compileShader("conv2d", conv2dShader)
	pipeline := b.getOrCreatePipeline("conv2d", shader)

	p := g.Params
	fields := []int{
		g.X[0], g.X[1], g.X[2], g.X[3],
		g.W[0], g.W[2], g.W[3],
		g.Y[2], g.Y[3],
		p.StrideH, p.StrideW,
		p.PadH, p.PadW,
		p.DilationH, p.DilationW,
	}
	params := make([]byte, 4*(len(fields)+2))
	for i, v := range fields {
		//nolint:gosec // G115: validated non-negative dimensions
		binary.LittleEndian.PutUint32(params[4*i:], uint32(v))
	}
	binary.LittleEndian.PutUint32(params[4*len(fields):], math.Float32bits(alpha))
	binary.LittleEndian.PutUint32(params[4*len(fields)+4:], math.Float32bits(beta))

	bufferParams := b.createUniformBuffer(params)
	defer bufferParams.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, ops.x.buf, 0, align4(ops.x.size)),
		wgpu.BufferBindingEntry(1, ops.w.buf, 0, align4(ops.w.size)),
		wgpu.BufferBindingEntry(2, ops.y.buf, 0, align4(ops.y.size)),
		wgpu.BufferBindingEntry(3, bufferParams, 0, (uint64(len(params))+15)&^15),
	})
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)

	//nolint:gosec // G115: workgroup counts are positive
	computePass.DispatchWorkgroups(
		uint32((g.Y[3]+tileW-1)/tileW),
		uint32((g.Y[2]+tileH-1)/tileH),
		uint32(g.Y[0]*g.Y[1]),
	)
	computePass.End()

	b.pendingCommands = append(b.pendingCommands, encoder.Finish(nil))
}
