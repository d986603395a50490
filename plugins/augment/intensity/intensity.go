// Package intensity 随机缩放/平移原始强度：a' = mean + (a-mean)*scale + shift，可逐截面独立抽取。
package intensity

import (
	"context"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"lsdtrain/pkg/contract"
)

type Options struct {
	Key          string  `json:"key"`
	ScaleMin     float64 `json:"scale_min"`
	ScaleMax     float64 `json:"scale_max"`
	ShiftMin     float64 `json:"shift_min"`
	ShiftMax     float64 `json:"shift_max"`
	ZSectionWise bool    `json:"z_section_wise"`
	// Clip: 结果截断到 [0, 1]。默认 true。
	Clip *bool `json:"clip"`
}

type Intensity struct {
	contract.Passthrough
	name        string
	key         *contract.ArrayKey
	scaleMin    float64
	scaleMax    float64
	shiftMin    float64
	shiftMax    float64
	sectionWise bool
	clip        bool
}

// Draw: 每个截面（按绝对截面号，自 Z0 起）的 scale/shift；非逐截面时只有一项。
type Draw struct {
	Z0     int64
	Params [][2]float64
}

func New(name string, opts *Options, keys *contract.Keys) (*Intensity, error) {
	if opts == nil || opts.Key == "" {
		return nil, fmt.Errorf("%w: %s: key is required", contract.ErrConfig, name)
	}
	if opts.ScaleMin > opts.ScaleMax || opts.ShiftMin > opts.ShiftMax {
		return nil, fmt.Errorf("%w: %s: empty scale/shift interval", contract.ErrConfig, name)
	}
	k, err := keys.Key(opts.Key)
	if err != nil {
		return nil, err
	}
	in := &Intensity{
		name: name, key: k,
		scaleMin: opts.ScaleMin, scaleMax: opts.ScaleMax,
		shiftMin: opts.ShiftMin, shiftMax: opts.ShiftMax,
		sectionWise: opts.ZSectionWise, clip: true,
	}
	if opts.Clip != nil {
		in.clip = *opts.Clip
	}
	return in, nil
}

func (in *Intensity) Name() string { return in.name }

func (in *Intensity) Setup(up contract.Spec) (contract.Spec, error) {
	if err := contract.RequireKeys(in.name, up, in.key); err != nil {
		return nil, err
	}
	return up, nil
}

func (in *Intensity) Prepare(_ context.Context, down contract.Request, rng *rand.Rand) (contract.Request, contract.State, error) {
	reg, ok := down.Get(in.key)
	if !ok {
		return down.Clone(), nil, nil
	}
	d := Draw{Z0: reg.Offset[0] / down.VoxelSize[0]}
	n := int64(1)
	if in.sectionWise {
		n = reg.VoxelShape(down.VoxelSize)[0]
	}
	d.Params = make([][2]float64, n)
	for i := range d.Params {
		d.Params[i] = [2]float64{
			in.scaleMin + rng.Float64()*(in.scaleMax-in.scaleMin),
			in.shiftMin + rng.Float64()*(in.shiftMax-in.shiftMin),
		}
	}
	return down.Clone(), d, nil
}

func (in *Intensity) Process(_ context.Context, up *contract.Batch, _ contract.Request, st contract.State) (*contract.Batch, error) {
	a, ok := up.Get(in.key)
	if !ok {
		return up, nil
	}
	d, ok := st.(Draw)
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing intensity draw", contract.ErrInvariantViolation, in.name)
	}
	out := a.Clone()
	if !in.sectionWise {
		in.augment(out.Data, d.Params[0])
		up.Set(in.key, out)
		return up, nil
	}
	z0 := out.Region.Offset[0] / out.VoxelSize[0]
	s := out.Shape()
	for c := 0; c < out.Channels; c++ {
		for z := int64(0); z < s[0]; z++ {
			i := z0 + z - d.Z0
			if i < 0 || i >= int64(len(d.Params)) {
				return nil, fmt.Errorf("%w: %s: section %d has no draw", contract.ErrInvariantViolation, in.name, z0+z)
			}
			in.augment(out.Plane(c, z), d.Params[i])
		}
	}
	up.Set(in.key, out)
	return up, nil
}

func (in *Intensity) augment(a []float32, p [2]float64) {
	vals := make([]float64, len(a))
	for i, v := range a {
		vals[i] = float64(v)
	}
	mean := stat.Mean(vals, nil)
	for i, v := range vals {
		r := mean + (v-mean)*p[0] + p[1]
		if in.clip {
			r = min(1, max(0, r))
		}
		a[i] = float32(r)
	}
}
