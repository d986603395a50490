// Package affinities 由分割标签计算邻域亲和度：aff_c(v) = [L(v) == L(v+o_c) ≠ 0]。
package affinities

import (
	"context"
	"fmt"
	"math/rand"

	"lsdtrain/pkg/contract"
)

type Options struct {
	// Neighborhood: 体素偏移；默认 [[-1,0,0],[0,-1,0],[0,0,-1]]。
	Neighborhood [][3]int64 `json:"neighborhood"`
	Labels       string     `json:"labels"`
	Affinities   string     `json:"affinities"`
	// 以下可选
	LabelsMask     string `json:"labels_mask"`
	Unlabeled      string `json:"unlabeled"`
	AffinitiesMask string `json:"affinities_mask"`
}

// DefaultNeighborhood 最近邻的三个负方向。
func DefaultNeighborhood() []contract.Coordinate {
	return []contract.Coordinate{contract.C(-1, 0, 0), contract.C(0, -1, 0), contract.C(0, 0, -1)}
}

type Affinities struct {
	name       string
	neigh      []contract.Coordinate
	labels     *contract.ArrayKey
	affs       *contract.ArrayKey
	labelsMask *contract.ArrayKey
	unlabeled  *contract.ArrayKey
	affsMask   *contract.ArrayKey

	// 物理单位的非对称上下文
	lower, upper contract.Coordinate
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

func New(name string, opts *Options, keys *contract.Keys, voxel contract.Coordinate) (*Affinities, error) {
	if opts == nil {
		opts = &Options{}
	}
	a := &Affinities{name: name}
	if len(opts.Neighborhood) == 0 {
		a.neigh = DefaultNeighborhood()
	}
	for _, o := range opts.Neighborhood {
		c := contract.Coordinate(o)
		if c.IsZero() {
			return nil, fmt.Errorf("%w: %s: zero neighborhood offset", contract.ErrConfig, name)
		}
		a.neigh = append(a.neigh, c)
	}
	a.lower, a.upper = contract.NeighborhoodContext(a.neigh, voxel)
	var err error
	if a.labels, err = key(keys, opts.Labels, "GT_LABELS"); err != nil {
		return nil, err
	}
	if a.affs, err = key(keys, opts.Affinities, "GT_AFFS"); err != nil {
		return nil, err
	}
	if a.labelsMask, err = key(keys, opts.LabelsMask, ""); err != nil {
		return nil, err
	}
	if a.unlabeled, err = key(keys, opts.Unlabeled, ""); err != nil {
		return nil, err
	}
	if a.affsMask, err = key(keys, opts.AffinitiesMask, ""); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Affinities) Name() string { return a.name }

// Context 返回标签所需的非对称上下文（物理单位）。
func (a *Affinities) Context() (lower, upper contract.Coordinate) { return a.lower, a.upper }

func (a *Affinities) inputs() []*contract.ArrayKey {
	out := []*contract.ArrayKey{a.labels}
	for _, k := range []*contract.ArrayKey{a.labelsMask, a.unlabeled} {
		if k != nil {
			out = append(out, k)
		}
	}
	return out
}

func (a *Affinities) Setup(up contract.Spec) (contract.Spec, error) {
	if err := contract.RequireKeys(a.name, up, a.inputs()...); err != nil {
		return nil, err
	}
	out := up.Clone()
	ls := up[a.labels]
	derived := contract.ArraySpec{Region: ls.Region, VoxelSize: ls.VoxelSize, Channels: len(a.neigh)}
	out[a.affs] = derived
	if a.affsMask != nil {
		out[a.affsMask] = derived
	}
	return out, nil
}

// Prepare: 输出通道不再向上游请求；标签及掩码按输出区域加上下文请求（与既有需求合并）。
func (a *Affinities) Prepare(_ context.Context, down contract.Request, _ *rand.Rand) (contract.Request, contract.State, error) {
	up := down.Clone()
	var need contract.Region
	found := false
	for _, k := range []*contract.ArrayKey{a.affs, a.affsMask} {
		if k == nil {
			continue
		}
		if reg, ok := down.Get(k); ok {
			if !found {
				need, found = reg, true
			} else {
				need = need.Union(reg)
			}
			up.Remove(k)
		}
	}
	if !found {
		return up, nil, nil
	}
	ctxReg := need.Grow(a.lower, a.upper)
	extra := contract.NewRequest(down.VoxelSize)
	for _, k := range a.inputs() {
		extra.Add(k, ctxReg)
	}
	if err := up.Merge(extra); err != nil {
		return contract.Request{}, nil, err
	}
	return up, nil, nil
}

func (a *Affinities) Process(ctx context.Context, up *contract.Batch, down contract.Request, _ contract.State) (*contract.Batch, error) {
	affReg, wantAffs := down.Get(a.affs)
	var maskReg contract.Region
	wantMask := false
	if a.affsMask != nil {
		maskReg, wantMask = down.Get(a.affsMask)
	}
	if !wantAffs && !wantMask {
		return up, nil
	}
	labels, err := up.MustGet(a.labels)
	if err != nil {
		return nil, err
	}
	var lm, un *contract.Array
	if a.labelsMask != nil {
		if lm, err = up.MustGet(a.labelsMask); err != nil {
			return nil, err
		}
	}
	if a.unlabeled != nil {
		if un, err = up.MustGet(a.unlabeled); err != nil {
			return nil, err
		}
	}
	if wantAffs {
		out, err := a.compute(ctx, affReg, labels, lm, un, false)
		if err != nil {
			return nil, err
		}
		up.Set(a.affs, out)
	}
	if wantMask {
		out, err := a.compute(ctx, maskReg, labels, lm, un, true)
		if err != nil {
			return nil, err
		}
		up.Set(a.affsMask, out)
	}
	return up, nil
}

// compute 求亲和度（mask=false）或其掩码（mask=true）：
// 掩码 = 两端标注掩码之积；两端都未标注时为 0；z 方向的边只要一端未标注即为 0。
func (a *Affinities) compute(ctx context.Context, reg contract.Region, labels, lm, un *contract.Array, mask bool) (*contract.Array, error) {
	v := labels.VoxelSize
	need := reg.Grow(a.lower, a.upper)
	for _, in := range []*contract.Array{labels, lm, un} {
		if in != nil && !in.Region.Contains(need) {
			return nil, fmt.Errorf("%w: %s: input %v does not cover %v", contract.ErrCoverage, a.name, in.Region, need)
		}
	}
	out, err := contract.NewArray(reg, v, len(a.neigh))
	if err != nil {
		return nil, err
	}
	s := out.Shape()
	base := reg.Offset.Sub(labels.Region.Offset).Div(v)
	at := func(arr *contract.Array, p contract.Coordinate) float32 {
		q := reg.Offset.Add(p.Mul(v)).Sub(arr.Region.Offset).Div(v)
		return arr.At(0, q[0], q[1], q[2])
	}
	for c, o := range a.neigh {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for z := int64(0); z < s[0]; z++ {
			for y := int64(0); y < s[1]; y++ {
				for x := int64(0); x < s[2]; x++ {
					p := contract.C(z, y, x)
					q := p.Add(o)
					var val float32
					if !mask {
						l := labels.At(0, base[0]+z, base[1]+y, base[2]+x)
						n := labels.At(0, base[0]+q[0], base[1]+q[1], base[2]+q[2])
						if l != 0 && l == n {
							val = 1
						}
					} else {
						val = 1
						if lm != nil {
							val = at(lm, p) * at(lm, q)
						}
						if un != nil {
							u0, u1 := at(un, p), at(un, q)
							if (u0 == 0 && u1 == 0) || (o[0] != 0 && (u0 == 0 || u1 == 0)) {
								val = 0
							}
						}
					}
					out.Set(c, z, y, x, val)
				}
			}
		}
	}
	return out, nil
}
