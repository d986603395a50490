// Package linear 实现逐体素的逻辑回归模型：输入为原始图像在 6 邻域加中心的取值与偏置，
// 每个输出通道一组权重，经 sigmoid 输出到 [0, 1]。
package linear

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"lsdtrain/internal/train"
	"lsdtrain/pkg/contract"
)

// Features 为每个体素的特征数：中心、±z、±y、±x 与偏置。
const Features = 8

var stencil = [Features - 1]contract.Coordinate{
	{0, 0, 0},
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

type Options struct {
	// Input: 模型输入名，默认 "raw"。
	Input string `json:"input"`
	// Outputs: 输出名 → 通道数；默认 {"affs": 3, "lsds": 6}。
	Outputs map[string]int `json:"outputs"`
	// InitScale: 权重初始化幅度（均匀分布 ±InitScale），默认 0.1。
	InitScale float64 `json:"init_scale"`
	Seed      int64   `json:"seed"`
}

type Model struct {
	name    string
	input   string
	heads   []head
	voxel   contract.Coordinate
	params  []float64
	outputs map[string]int
}

type head struct {
	name     string
	channels int
	// 在参数向量中的起点；布局 [channel][feature]
	offset int
}

func New(name string, opts *Options, voxel contract.Coordinate) (*Model, error) {
	if opts == nil {
		opts = &Options{}
	}
	if !voxel.Positive() {
		return nil, fmt.Errorf("%w: %s: voxel size must be positive, got %v", contract.ErrConfig, name, voxel)
	}
	m := &Model{name: name, input: opts.Input, voxel: voxel, outputs: map[string]int{}}
	if m.input == "" {
		m.input = "raw"
	}
	outs := opts.Outputs
	if len(outs) == 0 {
		outs = map[string]int{"affs": 3, "lsds": 6}
	}
	names := make([]string, 0, len(outs))
	for n, c := range outs {
		if c < 1 {
			return nil, fmt.Errorf("%w: %s: output %q needs >= 1 channel", contract.ErrConfig, name, n)
		}
		names = append(names, n)
	}
	sort.Strings(names)
	n := 0
	for _, hn := range names {
		m.heads = append(m.heads, head{name: hn, channels: outs[hn], offset: n})
		m.outputs[hn] = outs[hn]
		n += outs[hn] * Features
	}
	scale := opts.InitScale
	if scale == 0 {
		scale = 0.1
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	m.params = make([]float64, n)
	for i := range m.params {
		if i%Features == Features-1 {
			continue // 偏置从 0 开始
		}
		m.params[i] = (rng.Float64()*2 - 1) * scale
	}
	return m, nil
}

func (m *Model) Name() string { return m.name }

func (m *Model) Inputs() []string { return []string{m.input} }

func (m *Model) Outputs() map[string]int {
	out := make(map[string]int, len(m.outputs))
	for k, v := range m.outputs {
		out[k] = v
	}
	return out
}

// Context: 各轴一个体素。
func (m *Model) Context() contract.Coordinate { return m.voxel }

func (m *Model) Params() []float64 { return m.params }

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// pass 保存特征与输出，供反向使用。
type pass struct {
	m        *Model
	features []float64 // [voxel][feature]
	outputs  map[string]*contract.Array
}

func (m *Model) Forward(ctx context.Context, inputs map[string]*contract.Array, region contract.Region) (train.Pass, error) {
	raw, ok := inputs[m.input]
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing input %q", contract.ErrInvalidInput, m.name, m.input)
	}
	if raw.VoxelSize != m.voxel {
		return nil, fmt.Errorf("%w: %s: input voxel size %v, model expects %v", contract.ErrInvalidInput, m.name, raw.VoxelSize, m.voxel)
	}
	if need := region.GrowSym(m.voxel); !raw.Region.Contains(need) {
		return nil, fmt.Errorf("%w: %s: input %v does not cover %v", contract.ErrCoverage, m.name, raw.Region, need)
	}
	shape := region.VoxelShape(m.voxel)
	n := int(shape.Volume())
	p := &pass{m: m, features: make([]float64, n*Features), outputs: map[string]*contract.Array{}}
	base := region.Offset.Sub(raw.Region.Offset).Div(m.voxel)
	i := 0
	for z := int64(0); z < shape[0]; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for y := int64(0); y < shape[1]; y++ {
			for x := int64(0); x < shape[2]; x++ {
				f := p.features[i*Features : (i+1)*Features]
				for s, d := range stencil {
					f[s] = float64(raw.At(0, base[0]+z+d[0], base[1]+y+d[1], base[2]+x+d[2]))
				}
				f[Features-1] = 1
				i++
			}
		}
	}
	for _, h := range m.heads {
		out, err := contract.NewArray(region, m.voxel, h.channels)
		if err != nil {
			return nil, err
		}
		for c := 0; c < h.channels; c++ {
			w := m.params[h.offset+c*Features : h.offset+(c+1)*Features]
			dst := out.Channel(c)
			for v := 0; v < n; v++ {
				f := p.features[v*Features : (v+1)*Features]
				var a float64
				for k, wk := range w {
					a += wk * f[k]
				}
				dst[v] = float32(sigmoid(a))
			}
		}
		p.outputs[h.name] = out
	}
	return p, nil
}

func (p *pass) Outputs() map[string]*contract.Array { return p.outputs }

// Backward: dL/dw = Σ_v dL/dy · y(1−y) · f。未给出梯度的输出视为 0。
func (p *pass) Backward(grads map[string][]float32) ([]float64, error) {
	g := make([]float64, len(p.m.params))
	n := len(p.features) / Features
	for name, dy := range grads {
		out, ok := p.outputs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s: gradient for unknown output %q", contract.ErrInvalidInput, p.m.name, name)
		}
		if len(dy) != len(out.Data) {
			return nil, fmt.Errorf("%w: %s: gradient length %d, output %q has %d",
				contract.ErrInvalidInput, p.m.name, len(dy), name, len(out.Data))
		}
		var h head
		for _, hh := range p.m.heads {
			if hh.name == name {
				h = hh
			}
		}
		for c := 0; c < h.channels; c++ {
			gw := g[h.offset+c*Features : h.offset+(c+1)*Features]
			y := out.Channel(c)
			d := dy[c*n : (c+1)*n]
			for v := 0; v < n; v++ {
				if d[v] == 0 {
					continue
				}
				yv := float64(y[v])
				dz := float64(d[v]) * yv * (1 - yv)
				f := p.features[v*Features : (v+1)*Features]
				for k := range gw {
					gw[k] += dz * f[k]
				}
			}
		}
	}
	return g, nil
}
