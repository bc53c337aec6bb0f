//go:build windows

package webgpu

// Workgroup tile of the convolution shader.
const (
	tileW = 8
	tileH = 8
)

// conv2dShader computes output = alpha*conv(input, filter) + beta*output.
// Input shape: [batch, in_channels, in_h, in_w].
// Filter shape: [out_channels, in_channels, k_h, k_w].
// Output shape: [batch, out_channels, out_h, out_w].
// One invocation per output element; z spans batch*out_channels.
const conv2dShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read> weights: array<f32>;
@group(0) @binding(2) var<storage, read_write> output: array<f32>;

struct Params {
    batch: u32,
    in_channels: u32,
    in_h: u32,
    in_w: u32,
    out_channels: u32,
    k_h: u32,
    k_w: u32,
    out_h: u32,
    out_w: u32,
    stride_h: u32,
    stride_w: u32,
    pad_h: u32,
    pad_w: u32,
    dil_h: u32,
    dil_w: u32,
    alpha: f32,
    beta: f32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let b = global_id.z / params.out_channels;
    let oc = global_id.z % params.out_channels;
    let oh = global_id.y;
    let ow = global_id.x;

    if (b >= params.batch || oh >= params.out_h || ow >= params.out_w) {
        return;
    }

    var sum: f32 = 0.0;

    for (var ic: u32 = 0u; ic < params.in_channels; ic = ic + 1u) {
        for (var kh: u32 = 0u; kh < params.k_h; kh = kh + 1u) {
            let ih = i32(oh * params.stride_h + kh * params.dil_h) - i32(params.pad_h);
            if (ih < 0 || ih >= i32(params.in_h)) {
                continue;
            }
            for (var kw: u32 = 0u; kw < params.k_w; kw = kw + 1u) {
                let iw = i32(ow * params.stride_w + kw * params.dil_w) - i32(params.pad_w);
                if (iw < 0 || iw >= i32(params.in_w)) {
                    continue;
                }
                let in_idx = ((b * params.in_channels + ic) * params.in_h + u32(ih)) * params.in_w + u32(iw);
                let k_idx = ((oc * params.in_channels + ic) * params.k_h + kh) * params.k_w + kw;
                sum = sum + input[in_idx] * weights[k_idx];
            }
        }
    }

    let out_idx = ((b * params.out_channels + oc) * params.out_h + oh) * params.out_w + ow;
    if (params.beta == 0.0) {
        output[out_idx] = params.alpha * sum;
    } else {
        output[out_idx] = params.alpha * sum + params.beta * output[out_idx];
    }
}
`
