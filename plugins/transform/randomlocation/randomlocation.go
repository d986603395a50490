// Package randomlocation 为每个请求随机选择上游数据中的位置。
// 下游请求的各通道整体平移同一偏移（体素网格上均匀抽取），使全部区域都落在上游范围内；
// 结果再平移回下游坐标，因此下游看到的范围是无界的。
package randomlocation

import (
	"context"
	"fmt"
	"math/rand"

	"lsdtrain/pkg/contract"
)

type Options struct{}

type RandomLocation struct {
	name string
	// Setup 之后只读
	upstream contract.Spec
}

func New(name string, _ *Options) *RandomLocation { return &RandomLocation{name: name} }

func (r *RandomLocation) Name() string { return r.name }

func (r *RandomLocation) Setup(up contract.Spec) (contract.Spec, error) {
	if len(up) == 0 {
		return nil, fmt.Errorf("%w: %s: no upstream arrays", contract.ErrConfig, r.name)
	}
	r.upstream = up.Clone()
	out := up.Clone()
	for k, as := range out {
		as.Region = contract.Unbounded()
		out[k] = as
	}
	return out, nil
}

// Shift 为一次请求抽取的平移量（物理单位）。
type Shift contract.Coordinate

// Prepare 求出所有通道共同允许的平移范围并均匀抽样。
func (r *RandomLocation) Prepare(_ context.Context, down contract.Request, rng *rand.Rand) (contract.Request, contract.State, error) {
	lo, hi, err := r.shiftRange(down)
	if err != nil {
		return contract.Request{}, nil, err
	}
	var shift contract.Coordinate
	v := down.VoxelSize
	for a := 0; a < 3; a++ {
		steps := (hi[a] - lo[a]) / v[a]
		shift[a] = lo[a] + v[a]*rng.Int63n(steps+1)
	}
	up := contract.NewRequest(down.VoxelSize)
	for _, k := range down.Keys() {
		reg, _ := down.Get(k)
		up.Add(k, reg.Shift(shift))
	}
	return up, Shift(shift), nil
}

// shiftRange 返回闭区间 [lo, hi]，已对齐到体素网格。
func (r *RandomLocation) shiftRange(down contract.Request) (lo, hi contract.Coordinate, err error) {
	first := true
	for _, k := range down.Keys() {
		as, ok := r.upstream[k]
		if !ok {
			return lo, hi, fmt.Errorf("%w: %s: %s not provided upstream", contract.ErrCoverage, r.name, k)
		}
		reg, _ := down.Get(k)
		l := as.Region.Offset.Sub(reg.Offset)
		h := as.Region.End().Sub(reg.End())
		if first {
			lo, hi, first = l, h, false
			continue
		}
		lo, hi = lo.Max(l), hi.Min(h)
	}
	lo, hi = lo.CeilTo(down.VoxelSize), hi.FloorTo(down.VoxelSize)
	for a := 0; a < 3; a++ {
		if lo[a] > hi[a] {
			return lo, hi, fmt.Errorf("%w: %s: request %v does not fit into upstream data on axis %d",
				contract.ErrCoverage, r.name, down, a)
		}
	}
	return lo, hi, nil
}

func (r *RandomLocation) Process(_ context.Context, up *contract.Batch, down contract.Request, st contract.State) (*contract.Batch, error) {
	shift, ok := st.(Shift)
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing shift state", contract.ErrInvariantViolation, r.name)
	}
	back := contract.Coordinate(shift).Scale(-1)
	for _, k := range up.Keys() {
		a, _ := up.Get(k)
		moved := *a
		moved.Region = a.Region.Shift(back)
		up.Set(k, &moved)
	}
	return up, nil
}
