// Package pad 在数据源范围之外补常量值，使随机定位可以采到边缘。
package pad

import (
	"context"
	"fmt"
	"math/rand"

	"lsdtrain/pkg/contract"
)

type Options struct {
	Key string `json:"key"`
	// Size: 每侧填充量（物理单位）；省略表示无界。
	Size  *[3]int64 `json:"size"`
	Value float32   `json:"value"`
}

type Pad struct {
	name  string
	key   *contract.ArrayKey
	size  *contract.Coordinate
	value float32

	// Setup 之后只读
	extent   contract.Region
	channels int
}

func New(name string, opts *Options, keys *contract.Keys) (*Pad, error) {
	if opts == nil || opts.Key == "" {
		return nil, fmt.Errorf("%w: %s: key is required", contract.ErrConfig, name)
	}
	k, err := keys.Key(opts.Key)
	if err != nil {
		return nil, err
	}
	p := &Pad{name: name, key: k, value: opts.Value}
	if opts.Size != nil {
		s := contract.Coordinate(*opts.Size)
		if !s.NonNegative() {
			return nil, fmt.Errorf("%w: %s: padding %v must be non-negative", contract.ErrConfig, name, s)
		}
		p.size = &s
	}
	return p, nil
}

func (p *Pad) Name() string { return p.name }

func (p *Pad) Setup(up contract.Spec) (contract.Spec, error) {
	if err := contract.RequireKeys(p.name, up, p.key); err != nil {
		return nil, err
	}
	out := up.Clone()
	as := out[p.key]
	p.extent, p.channels = as.Region, max(1, as.Channels)
	if p.size == nil {
		as.Region = contract.Unbounded()
	} else {
		if !contract.NewRegion(*p.size, contract.Coordinate{}).IsSnapped(as.VoxelSize) {
			return nil, fmt.Errorf("%w: %s: padding %v not aligned to %v", contract.ErrConfig, p.name, *p.size, as.VoxelSize)
		}
		as.Region = as.Region.GrowSym(*p.size)
	}
	out[p.key] = as
	return out, nil
}

// Prepare 只向上游请求与原范围相交的部分；完全落在填充区时不再请求该通道。
func (p *Pad) Prepare(_ context.Context, down contract.Request, _ *rand.Rand) (contract.Request, contract.State, error) {
	up := down.Clone()
	reg, ok := down.Get(p.key)
	if !ok {
		return up, nil, nil
	}
	in := reg.Intersect(p.extent)
	if in.Empty() {
		up.Remove(p.key)
	} else {
		up.Add(p.key, in)
	}
	return up, nil, nil
}

func (p *Pad) Process(_ context.Context, up *contract.Batch, down contract.Request, _ contract.State) (*contract.Batch, error) {
	reg, ok := down.Get(p.key)
	if !ok {
		return up, nil
	}
	src, has := up.Get(p.key)
	if has && src.Region == reg {
		return up, nil
	}
	channels := p.channels
	if has {
		channels = src.Channels
	}
	out, err := contract.NewArray(reg, down.VoxelSize, channels)
	if err != nil {
		return nil, err
	}
	out.Fill(p.value)
	if has {
		if _, err := out.Paste(src); err != nil {
			return nil, err
		}
	}
	up.Set(p.key, out)
	return up, nil
}
