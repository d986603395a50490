// Package defect 模拟截面级成像缺陷：整截面缺失（置 0）或低对比度。
package defect

import (
	"context"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"lsdtrain/pkg/contract"
)

type Options struct {
	Key             string  `json:"key"`
	ProbMissing     float64 `json:"prob_missing"`
	ProbLowContrast float64 `json:"prob_low_contrast"`
	// ContrastScale: 低对比度截面的缩放系数。默认 0.5。
	ContrastScale float64 `json:"contrast_scale"`
	// MaxConsecutiveMissing: 连续缺失截面上限；0 表示不限制。
	MaxConsecutiveMissing int `json:"max_consecutive_missing"`
}

// Kind 为单个截面的缺陷类型。
type Kind uint8

const (
	None Kind = iota
	Missing
	LowContrast
)

// Plan: 自绝对截面号 Z0 起的逐截面缺陷。
type Plan struct {
	Z0    int64
	Kinds []Kind
}

type Defect struct {
	contract.Passthrough
	name     string
	key      *contract.ArrayKey
	missing  float64
	low      float64
	contrast float32
	maxRun   int
}

func New(name string, opts *Options, keys *contract.Keys) (*Defect, error) {
	if opts == nil || opts.Key == "" {
		return nil, fmt.Errorf("%w: %s: key is required", contract.ErrConfig, name)
	}
	if opts.ProbMissing < 0 || opts.ProbLowContrast < 0 || opts.ProbMissing+opts.ProbLowContrast > 1 {
		return nil, fmt.Errorf("%w: %s: defect probabilities must be >= 0 and sum to <= 1", contract.ErrConfig, name)
	}
	k, err := keys.Key(opts.Key)
	if err != nil {
		return nil, err
	}
	d := &Defect{name: name, key: k, missing: opts.ProbMissing, low: opts.ProbLowContrast,
		contrast: float32(opts.ContrastScale), maxRun: opts.MaxConsecutiveMissing}
	if d.contrast == 0 {
		d.contrast = 0.5
	}
	return d, nil
}

func (d *Defect) Name() string { return d.name }

func (d *Defect) Setup(up contract.Spec) (contract.Spec, error) {
	if err := contract.RequireKeys(d.name, up, d.key); err != nil {
		return nil, err
	}
	return up, nil
}

func (d *Defect) Prepare(_ context.Context, down contract.Request, rng *rand.Rand) (contract.Request, contract.State, error) {
	reg, ok := down.Get(d.key)
	if !ok {
		return down.Clone(), nil, nil
	}
	n := reg.VoxelShape(down.VoxelSize)[0]
	p := Plan{Z0: reg.Offset[0] / down.VoxelSize[0], Kinds: make([]Kind, n)}
	run := 0
	for i := range p.Kinds {
		r := rng.Float64()
		switch {
		case r < d.missing && (d.maxRun == 0 || run < d.maxRun):
			p.Kinds[i] = Missing
			run++
			continue
		case r >= d.missing && r < d.missing+d.low:
			p.Kinds[i] = LowContrast
		}
		run = 0
	}
	return down.Clone(), p, nil
}

func (d *Defect) Process(_ context.Context, up *contract.Batch, _ contract.Request, st contract.State) (*contract.Batch, error) {
	a, ok := up.Get(d.key)
	if !ok {
		return up, nil
	}
	p, ok := st.(Plan)
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing defect plan", contract.ErrInvariantViolation, d.name)
	}
	out := a.Clone()
	z0 := out.Region.Offset[0] / out.VoxelSize[0]
	s := out.Shape()
	for z := int64(0); z < s[0]; z++ {
		i := z0 + z - p.Z0
		if i < 0 || i >= int64(len(p.Kinds)) {
			return nil, fmt.Errorf("%w: %s: section %d has no plan", contract.ErrInvariantViolation, d.name, z0+z)
		}
		for c := 0; c < out.Channels; c++ {
			plane := out.Plane(c, z)
			switch p.Kinds[i] {
			case Missing:
				for j := range plane {
					plane[j] = 0
				}
			case LowContrast:
				vals := make([]float64, len(plane))
				for j, v := range plane {
					vals[j] = float64(v)
				}
				mean := float32(stat.Mean(vals, nil))
				for j, v := range plane {
					plane[j] = mean + (v-mean)*d.contrast
				}
			}
		}
	}
	up.Set(d.key, out)
	return up, nil
}
