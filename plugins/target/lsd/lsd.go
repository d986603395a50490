// Package lsd 计算二维局部形状描述子（逐截面）：对每个分割，在截断高斯窗内统计
// 质心偏移 (2)、方差 (2)、协方差 (1) 与窗内质量 (1)，共 6 个通道，归一化到 [0, 1]。
//
// 计算在 y/x 下采样网格上进行，再按最近邻放大回体素网格；窗口越出标签数组的部分按无质量处理。
package lsd

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"lsdtrain/pkg/contract"
)

// Channels 为描述子通道数。
const Channels = 6

type Options struct {
	Labels     string `json:"labels"`
	Descriptor string `json:"descriptor"`
	// Mask: 可选的描述子权重（标注掩码 × 未标注掩码，复制到 6 个通道）。
	Mask       string `json:"mask"`
	LabelsMask string `json:"labels_mask"`
	Unlabeled  string `json:"unlabeled"`
	// Sigma: 高斯标准差（物理单位），默认 80。
	Sigma float64 `json:"sigma"`
	// Truncate: 核半径 = Truncate × Sigma，默认 3。
	Truncate float64 `json:"truncate"`
	// Downsample: y/x 下采样因子，默认 2。
	Downsample int `json:"downsample"`
}

type LSD struct {
	name       string
	labels     *contract.ArrayKey
	desc       *contract.ArrayKey
	mask       *contract.ArrayKey
	labelsMask *contract.ArrayKey
	unlabeled  *contract.ArrayKey
	sigma      float64
	truncate   float64
	down       int64
	// y/x 对称上下文（物理单位，z 为 0）
	context contract.Coordinate
}

func key(keys *contract.Keys, name, def string) (*contract.ArrayKey, error) {
	if name == "" {
		if def == "" {
			return nil, nil
		}
		name = def
	}
	return keys.Key(name)
}

func New(name string, opts *Options, keys *contract.Keys, voxel contract.Coordinate) (*LSD, error) {
	if opts == nil {
		opts = &Options{}
	}
	l := &LSD{name: name, sigma: opts.Sigma, truncate: opts.Truncate, down: int64(opts.Downsample)}
	if l.sigma == 0 {
		l.sigma = 80
	}
	if l.truncate <= 0 {
		l.truncate = contract.DefaultTruncate
	}
	if l.down == 0 {
		l.down = 2
	}
	if l.down < 1 {
		return nil, fmt.Errorf("%w: %s: downsample must be >= 1, got %d", contract.ErrConfig, name, l.down)
	}
	pad, err := contract.MethodPadding(voxel, contract.PaddingOptions{Sigma: l.sigma, Truncate: l.truncate})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	// 对齐到网格后再多留一个下采样步长
	for a := 1; a < 3; a++ {
		l.context[a] = (pad[a]+voxel[a]-1)/voxel[a]*voxel[a] + l.down*voxel[a]
	}
	if l.labels, err = key(keys, opts.Labels, "GT_LABELS"); err != nil {
		return nil, err
	}
	if l.desc, err = key(keys, opts.Descriptor, "GT_LSDS"); err != nil {
		return nil, err
	}
	if l.mask, err = key(keys, opts.Mask, ""); err != nil {
		return nil, err
	}
	if l.labelsMask, err = key(keys, opts.LabelsMask, ""); err != nil {
		return nil, err
	}
	if l.unlabeled, err = key(keys, opts.Unlabeled, ""); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LSD) Name() string { return l.name }

// Context 返回标签在 y/x 上需要的对称上下文。
func (l *LSD) Context() contract.Coordinate { return l.context }

func (l *LSD) maskInputs() []*contract.ArrayKey {
	var out []*contract.ArrayKey
	for _, k := range []*contract.ArrayKey{l.labelsMask, l.unlabeled} {
		if k != nil {
			out = append(out, k)
		}
	}
	return out
}

func (l *LSD) Setup(up contract.Spec) (contract.Spec, error) {
	need := []*contract.ArrayKey{l.labels}
	if l.mask != nil {
		need = append(need, l.maskInputs()...)
	}
	if err := contract.RequireKeys(l.name, up, need...); err != nil {
		return nil, err
	}
	out := up.Clone()
	ls := up[l.labels]
	derived := contract.ArraySpec{Region: ls.Region, VoxelSize: ls.VoxelSize, Channels: Channels}
	out[l.desc] = derived
	if l.mask != nil {
		out[l.mask] = derived
	}
	return out, nil
}

func (l *LSD) Prepare(_ context.Context, down contract.Request, _ *rand.Rand) (contract.Request, contract.State, error) {
	up := down.Clone()
	extra := contract.NewRequest(down.VoxelSize)
	if reg, ok := down.Get(l.desc); ok {
		up.Remove(l.desc)
		extra.Add(l.labels, reg.GrowSym(l.context))
	}
	if l.mask != nil {
		if reg, ok := down.Get(l.mask); ok {
			up.Remove(l.mask)
			for _, k := range l.maskInputs() {
				extra.Add(k, reg)
			}
		}
	}
	if err := up.Merge(extra); err != nil {
		return contract.Request{}, nil, err
	}
	return up, nil, nil
}

func (l *LSD) Process(ctx context.Context, up *contract.Batch, down contract.Request, _ contract.State) (*contract.Batch, error) {
	if reg, ok := down.Get(l.desc); ok {
		labels, err := up.MustGet(l.labels)
		if err != nil {
			return nil, err
		}
		d, err := l.describe(ctx, labels, reg)
		if err != nil {
			return nil, err
		}
		up.Set(l.desc, d)
	}
	if l.mask != nil {
		if reg, ok := down.Get(l.mask); ok {
			m, err := l.weights(up, reg)
			if err != nil {
				return nil, err
			}
			up.Set(l.mask, m)
		}
	}
	return up, nil
}

// weights: 标注掩码 × 未标注掩码，复制到每个描述子通道。
func (l *LSD) weights(up *contract.Batch, reg contract.Region) (*contract.Array, error) {
	var w []float32
	var voxel contract.Coordinate
	for _, k := range l.maskInputs() {
		a, err := up.MustGet(k)
		if err != nil {
			return nil, err
		}
		c, err := a.Crop(reg)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", l.name, k, err)
		}
		voxel = c.VoxelSize
		if w == nil {
			w = append([]float32(nil), c.Channel(0)...)
			continue
		}
		for i, v := range c.Channel(0) {
			w[i] *= v
		}
	}
	if w == nil {
		labels, err := up.MustGet(l.labels)
		if err != nil {
			return nil, err
		}
		voxel = labels.VoxelSize
	}
	out, err := contract.NewArray(reg, voxel, Channels)
	if err != nil {
		return nil, err
	}
	for c := 0; c < Channels; c++ {
		if w == nil {
			fill(out.Channel(c), 1)
			continue
		}
		copy(out.Channel(c), w)
	}
	return out, nil
}

func fill(s []float32, v float32) {
	for i := range s {
		s[i] = v
	}
}

// kernel 为一维截断高斯及其一阶、二阶矩核（步长 step，物理单位）。
type kernel struct {
	radius int
	g      []float64
	dg     []float64
	d2g    []float64
	sum    float64
}

func newKernel(sigma, truncate, step float64) kernel {
	r := int(math.Ceil(truncate * sigma / step))
	k := kernel{radius: r, g: make([]float64, 2*r+1), dg: make([]float64, 2*r+1), d2g: make([]float64, 2*r+1)}
	for i := -r; i <= r; i++ {
		d := float64(i) * step
		g := math.Exp(-d * d / (2 * sigma * sigma))
		k.g[i+r], k.dg[i+r], k.d2g[i+r] = g, d*g, d*d*g
		k.sum += g
	}
	return k
}

// describe 计算 reg 上的描述子；labels 至少要覆盖 reg。
func (l *LSD) describe(ctx context.Context, labels *contract.Array, reg contract.Region) (*contract.Array, error) {
	v := labels.VoxelSize
	if !labels.Region.Contains(reg) {
		return nil, fmt.Errorf("%w: %s: labels %v do not cover %v", contract.ErrCoverage, l.name, labels.Region, reg)
	}
	out, err := contract.NewArray(reg, v, Channels)
	if err != nil {
		return nil, err
	}
	in := labels.Shape()
	rel := reg.Offset.Sub(labels.Region.Offset).Div(v)
	d := l.down
	// 粗网格以输出起点为采样相位
	py, px := rel[1]%d, rel[2]%d
	hc, wc := int((in[1]-py+d-1)/d), int((in[2]-px+d-1)/d)
	ky := newKernel(l.sigma, l.truncate, float64(d*v[1]))
	kx := newKernel(l.sigma, l.truncate, float64(d*v[2]))
	s := out.Shape()
	coarse := make([]float32, hc*wc)
	desc := make([][]float32, Channels)
	for c := range desc {
		desc[c] = make([]float32, hc*wc)
	}
	for z := int64(0); z < s[0]; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plane := labels.Plane(0, rel[0]+z)
		for i := 0; i < hc; i++ {
			for j := 0; j < wc; j++ {
				coarse[i*wc+j] = plane[(py+int64(i)*d)*in[2]+px+int64(j)*d]
			}
		}
		for c := range desc {
			fill(desc[c], 0)
		}
		section2D(coarse, hc, wc, ky, kx, l.sigma, desc)
		for y := int64(0); y < s[1]; y++ {
			i := int((rel[1] + y - py) / d)
			for x := int64(0); x < s[2]; x++ {
				j := int((rel[2] + x - px) / d)
				for c := 0; c < Channels; c++ {
					out.Set(c, z, y, x, desc[c][i*wc+j])
				}
			}
		}
	}
	return out, nil
}

// section2D 在一个粗网格截面上逐标签累积矩并写出归一化描述子。
func section2D(lab []float32, h, w int, ky, kx kernel, sigma float64, desc [][]float32) {
	type box struct{ y0, y1, x0, x1 int }
	boxes := map[float32]*box{}
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			v := lab[i*w+j]
			if v == 0 {
				continue
			}
			b, ok := boxes[v]
			if !ok {
				boxes[v] = &box{i, i, j, j}
				continue
			}
			b.y0, b.y1 = min(b.y0, i), max(b.y1, i)
			b.x0, b.x1 = min(b.x0, j), max(b.x1, j)
		}
	}
	total := ky.sum * kx.sum
	s2 := sigma * sigma
	for id, b := range boxes {
		// 源窗口 = 包围盒外扩核半径
		sy0, sy1 := max(0, b.y0-ky.radius), min(h-1, b.y1+ky.radius)
		bw := b.x1 - b.x0 + 1
		rows := sy1 - sy0 + 1
		// 先沿 x 卷积：tg/tdg/td2g[row][x-x0]
		tg := make([]float64, rows*bw)
		tdg := make([]float64, rows*bw)
		td2g := make([]float64, rows*bw)
		for r := 0; r < rows; r++ {
			row := (sy0 + r) * w
			for x := b.x0; x <= b.x1; x++ {
				var a0, a1, a2 float64
				for k := -kx.radius; k <= kx.radius; k++ {
					xx := x + k
					if xx < 0 || xx >= w || lab[row+xx] != id {
						continue
					}
					a0 += kx.g[k+kx.radius]
					a1 += kx.dg[k+kx.radius]
					a2 += kx.d2g[k+kx.radius]
				}
				o := r*bw + x - b.x0
				tg[o], tdg[o], td2g[o] = a0, a1, a2
			}
		}
		// 再沿 y 卷积，仅在本标签体素上求值
		for y := b.y0; y <= b.y1; y++ {
			for x := b.x0; x <= b.x1; x++ {
				if lab[y*w+x] != id {
					continue
				}
				var m0, sy, sx, syy, sxx, sxy float64
				for k := -ky.radius; k <= ky.radius; k++ {
					yy := y + k
					if yy < sy0 || yy > sy1 {
						continue
					}
					o := (yy-sy0)*bw + x - b.x0
					g, dg, d2g := ky.g[k+ky.radius], ky.dg[k+ky.radius], ky.d2g[k+ky.radius]
					m0 += g * tg[o]
					sy += dg * tg[o]
					sx += g * tdg[o]
					syy += d2g * tg[o]
					sxx += g * td2g[o]
					sxy += dg * tdg[o]
				}
				if m0 <= 0 {
					continue
				}
				my, mx := sy/m0, sx/m0
				vals := [Channels]float64{
					my/sigma*0.5 + 0.5,
					mx/sigma*0.5 + 0.5,
					(syy/m0 - my*my) / s2,
					(sxx/m0 - mx*mx) / s2,
					(sxy/m0-my*mx)/s2*0.5 + 0.5,
					m0 / total,
				}
				for c, val := range vals {
					desc[c][y*w+x] = float32(clip01(val))
				}
			}
		}
	}
}

func clip01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
