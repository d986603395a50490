// Package simple 随机镜像各轴并随机交换 y/x 轴（围绕请求总外包盒的中心）。
// 镜像与转置都是体素的置换，不需要插值与额外上下文。
package simple

import (
	"context"
	"fmt"
	"math/rand"

	"lsdtrain/pkg/contract"
)

type Options struct {
	// MirrorOnly: 允许镜像的轴；省略表示全部三轴。
	MirrorOnly []int `json:"mirror_only"`
	// TransposeOnly: 允许交换的轴；省略表示 [1, 2]，空列表表示不转置。目前只支持 y/x。
	TransposeOnly []int `json:"transpose_only"`
}

type Simple struct {
	contract.Passthrough
	name      string
	mirror    [3]bool
	transpose bool
}

// Flip 为一次请求抽取的参数。
type Flip struct {
	Mirror    [3]bool
	Transpose bool
	// center2: 外包盒中心的两倍（避免半体素）。
	center2 contract.Coordinate
}

func New(name string, opts *Options) (*Simple, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &Simple{name: name}
	if opts.MirrorOnly == nil {
		s.mirror = [3]bool{true, true, true}
	}
	for _, a := range opts.MirrorOnly {
		if a < 0 || a > 2 {
			return nil, fmt.Errorf("%w: %s: mirror axis %d out of range", contract.ErrConfig, name, a)
		}
		s.mirror[a] = true
	}
	switch {
	case opts.TransposeOnly == nil:
		s.transpose = true
	case len(opts.TransposeOnly) == 0:
	case len(opts.TransposeOnly) == 2 && opts.TransposeOnly[0]+opts.TransposeOnly[1] == 3 && opts.TransposeOnly[0] > 0:
		s.transpose = true
	default:
		return nil, fmt.Errorf("%w: %s: transpose_only %v unsupported, only [1, 2]", contract.ErrConfig, name, opts.TransposeOnly)
	}
	return s, nil
}

func (s *Simple) Name() string { return s.name }

func (s *Simple) Prepare(_ context.Context, down contract.Request, rng *rand.Rand) (contract.Request, contract.State, error) {
	b := down.Bounds()
	f := Flip{center2: b.Offset.Scale(2).Add(b.Shape)}
	for a := 0; a < 3; a++ {
		f.Mirror[a] = s.mirror[a] && rng.Intn(2) == 1
	}
	// 转置要求 y/x 体素大小与中心一致，否则该请求不转置
	if s.transpose && down.VoxelSize[1] == down.VoxelSize[2] && f.center2[1] == f.center2[2] {
		f.Transpose = rng.Intn(2) == 1
	}
	up := contract.NewRequest(down.VoxelSize)
	for _, k := range down.Keys() {
		reg, _ := down.Get(k)
		up.Add(k, f.mapRegion(reg))
	}
	return up, f, nil
}

// mapPoint 作用于相对中心的两倍坐标：先转置，再镜像。
func (f Flip) mapPoint(u contract.Coordinate) contract.Coordinate {
	if f.Transpose {
		u[1], u[2] = u[2], u[1]
	}
	for a := 0; a < 3; a++ {
		if f.Mirror[a] {
			u[a] = -u[a]
		}
	}
	return u
}

func (f Flip) mapRegion(r contract.Region) contract.Region {
	p := f.mapPoint(r.Offset.Scale(2).Sub(f.center2))
	q := f.mapPoint(r.End().Scale(2).Sub(f.center2))
	lo, hi := p.Min(q).Add(f.center2), p.Max(q).Add(f.center2)
	return contract.NewRegion(lo.Div(contract.C(2, 2, 2)), hi.Sub(lo).Div(contract.C(2, 2, 2)))
}

func (s *Simple) Process(ctx context.Context, up *contract.Batch, down contract.Request, st contract.State) (*contract.Batch, error) {
	f, ok := st.(Flip)
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing flip state", contract.ErrInvariantViolation, s.name)
	}
	out := contract.NewBatch(up.ID)
	out.Iteration, out.Loss = up.Iteration, up.Loss
	for _, k := range down.Keys() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := up.MustGet(k)
		if err != nil {
			return nil, err
		}
		reg, _ := down.Get(k)
		dst, err := f.apply(src, reg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out.Set(k, dst)
	}
	return out, nil
}

// apply: 输出体素 p 取上游体素 F(p)（按体素中心映射）。
func (f Flip) apply(src *contract.Array, reg contract.Region) (*contract.Array, error) {
	v := src.VoxelSize
	dst, err := contract.NewArray(reg, v, src.Channels)
	if err != nil {
		return nil, err
	}
	if !f.Mirror[0] && !f.Mirror[1] && !f.Mirror[2] && !f.Transpose {
		if _, err := dst.Paste(src); err != nil {
			return nil, err
		}
		return dst, nil
	}
	s := dst.Shape()
	for z := int64(0); z < s[0]; z++ {
		for y := int64(0); y < s[1]; y++ {
			for x := int64(0); x < s[2]; x++ {
				// 体素中心的两倍坐标
				c2 := reg.Offset.Add(contract.C(z, y, x).Mul(v)).Scale(2).Add(v)
				q2 := f.mapPoint(c2.Sub(f.center2)).Add(f.center2)
				sv := q2.Sub(v).Div(contract.C(2, 2, 2)).Sub(src.Region.Offset).Div(v)
				if !src.Region.ContainsPoint(src.Region.Offset.Add(sv.Mul(v))) {
					return nil, fmt.Errorf("%w: flipped voxel %v outside upstream %v", contract.ErrCoverage, sv, src.Region)
				}
				for c := 0; c < src.Channels; c++ {
					dst.Set(c, z, y, x, src.At(c, sv[0], sv[1], sv[2]))
				}
			}
		}
	}
	return dst, nil
}
