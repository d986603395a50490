// Package balance 为二值目标计算类别平衡的逐体素损失权重。
package balance

import (
	"context"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"lsdtrain/pkg/contract"
)

type Options struct {
	Labels string `json:"labels"`
	Scales string `json:"scales"`
	// Mask: 可选；为 0 的体素不计入比例且权重为 0。
	Mask string `json:"mask"`
	// 正类比例先截断到 [ClipMin, ClipMax]，默认 0.05 / 0.95。
	ClipMin float64 `json:"clip_min"`
	ClipMax float64 `json:"clip_max"`
}

type Balance struct {
	name    string
	labels  *contract.ArrayKey
	scales  *contract.ArrayKey
	mask    *contract.ArrayKey
	clipMin float64
	clipMax float64
}

func New(name string, opts *Options, keys *contract.Keys) (*Balance, error) {
	if opts == nil {
		opts = &Options{}
	}
	b := &Balance{name: name, clipMin: opts.ClipMin, clipMax: opts.ClipMax}
	if b.clipMin == 0 {
		b.clipMin = 0.05
	}
	if b.clipMax == 0 {
		b.clipMax = 0.95
	}
	if b.clipMin <= 0 || b.clipMax >= 1 || b.clipMin > b.clipMax {
		return nil, fmt.Errorf("%w: %s: clip range must satisfy 0 < min <= max < 1, got [%v, %v]",
			contract.ErrConfig, name, b.clipMin, b.clipMax)
	}
	labels, scales := opts.Labels, opts.Scales
	if labels == "" {
		labels = "GT_AFFS"
	}
	if scales == "" {
		scales = "AFFS_WEIGHTS"
	}
	var err error
	if b.labels, err = keys.Key(labels); err != nil {
		return nil, err
	}
	if b.scales, err = keys.Key(scales); err != nil {
		return nil, err
	}
	if opts.Mask != "" {
		if b.mask, err = keys.Key(opts.Mask); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Balance) Name() string { return b.name }

func (b *Balance) inputs() []*contract.ArrayKey {
	if b.mask == nil {
		return []*contract.ArrayKey{b.labels}
	}
	return []*contract.ArrayKey{b.labels, b.mask}
}

func (b *Balance) Setup(up contract.Spec) (contract.Spec, error) {
	if err := contract.RequireKeys(b.name, up, b.inputs()...); err != nil {
		return nil, err
	}
	out := up.Clone()
	out[b.scales] = up[b.labels]
	return out, nil
}

// Prepare: 权重区域换成对标签（及掩码）的同区域请求。
func (b *Balance) Prepare(_ context.Context, down contract.Request, _ *rand.Rand) (contract.Request, contract.State, error) {
	up := down.Clone()
	reg, ok := down.Get(b.scales)
	if !ok {
		return up, nil, nil
	}
	up.Remove(b.scales)
	extra := contract.NewRequest(down.VoxelSize)
	for _, k := range b.inputs() {
		extra.Add(k, reg)
	}
	if err := up.Merge(extra); err != nil {
		return contract.Request{}, nil, err
	}
	return up, nil, nil
}

func (b *Balance) Process(_ context.Context, up *contract.Batch, down contract.Request, _ contract.State) (*contract.Batch, error) {
	reg, ok := down.Get(b.scales)
	if !ok {
		return up, nil
	}
	la, err := up.MustGet(b.labels)
	if err != nil {
		return nil, err
	}
	labels, err := la.Crop(reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	n := len(labels.Data)
	lab := make([]float64, n)
	for i, v := range labels.Data {
		lab[i] = float64(v)
	}
	mask := make([]float64, n)
	if b.mask == nil {
		for i := range mask {
			mask[i] = 1
		}
	} else {
		ma, err := up.MustGet(b.mask)
		if err != nil {
			return nil, err
		}
		m, err := ma.Crop(reg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.name, err)
		}
		switch m.Channels {
		case labels.Channels:
			for i, v := range m.Data {
				mask[i] = float64(v)
			}
		case 1:
			// 单通道掩码广播到每个标签通道
			per := m.Voxels()
			for i := range mask {
				mask[i] = float64(m.Data[i%per])
			}
		default:
			return nil, fmt.Errorf("%w: %s: mask has %d channels, labels %d",
				contract.ErrInvalidInput, b.name, m.Channels, labels.Channels)
		}
	}
	out := labels.Clone()
	copy(out.Data, Scales(lab, mask, b.clipMin, b.clipMax))
	up.Set(b.scales, out)
	return up, nil
}

// Scales 返回平衡权重：frac = clip(Σ(l·m)/Σm)，正类 1/(2·frac)，负类 1/(2·(1−frac))，再乘以掩码。
// 掩码全零时权重全为 0。
func Scales(labels, mask []float64, clipMin, clipMax float64) []float32 {
	out := make([]float32, len(labels))
	total := floats.Sum(mask)
	if total <= 0 {
		return out
	}
	frac := floats.Dot(labels, mask) / total
	frac = min(max(frac, clipMin), clipMax)
	wPos, wNeg := 1/(2*frac), 1/(2*(1-frac))
	for i, l := range labels {
		w := wNeg
		if l > 0.5 {
			w = wPos
		}
		out[i] = float32(w * mask[i])
	}
	return out
}
