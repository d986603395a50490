// Package rotate 在截面内随机旋转整个请求，并模拟截面间错位（单截面滑移或其后整体平移）。
// 上游请求为旋转后下游区域的外包盒，外加最大错位与一个插值体素；声明的最大位移即错位上界。
package rotate

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"lsdtrain/pkg/contract"
)

type Options struct {
	// RotationInterval: 旋转角范围（弧度）。默认 [0, π/2]。
	RotationInterval *[2]float64 `json:"rotation_interval"`
	ProbSlip         float64     `json:"prob_slip"`
	ProbShift        float64     `json:"prob_shift"`
	// MaxMisalign: 错位上界（体素）。
	MaxMisalign int64 `json:"max_misalign"`
}

type Rotate struct {
	name     string
	voxel    contract.Coordinate
	rotMin   float64
	rotMax   float64
	slip     float64
	shift    float64
	misalign int64

	// Setup 之后只读
	interp map[*contract.ArrayKey]bool
}

// Draw 为一次请求抽取的参数。
type Draw struct {
	Theta float64
	// Center2: 旋转中心（两倍坐标）。
	Center2 contract.Coordinate
	// Z0 起每个截面的 (y, x) 错位（物理单位）。
	Z0     int64
	Shifts [][2]int64
}

func New(name string, opts *Options, voxel contract.Coordinate) (*Rotate, error) {
	if opts == nil {
		opts = &Options{}
	}
	r := &Rotate{name: name, voxel: voxel, rotMin: 0, rotMax: math.Pi / 2,
		slip: opts.ProbSlip, shift: opts.ProbShift, misalign: opts.MaxMisalign}
	if opts.RotationInterval != nil {
		r.rotMin, r.rotMax = opts.RotationInterval[0], opts.RotationInterval[1]
	}
	switch {
	case !voxel.Positive():
		return nil, fmt.Errorf("%w: %s: voxel size must be positive", contract.ErrConfig, name)
	case r.rotMin > r.rotMax:
		return nil, fmt.Errorf("%w: %s: empty rotation interval", contract.ErrConfig, name)
	case r.slip < 0 || r.shift < 0 || r.slip+r.shift > 1:
		return nil, fmt.Errorf("%w: %s: prob_slip + prob_shift must be within [0, 1]", contract.ErrConfig, name)
	case r.misalign < 0:
		return nil, fmt.Errorf("%w: %s: max_misalign must be >= 0", contract.ErrConfig, name)
	}
	return r, nil
}

func (r *Rotate) Name() string { return r.name }

// MaxDisplacement 错位的最坏位移（物理单位）。
func (r *Rotate) MaxDisplacement() contract.Coordinate {
	return contract.C(0, r.misalign*r.voxel[1], r.misalign*r.voxel[2])
}

func (r *Rotate) Setup(up contract.Spec) (contract.Spec, error) {
	r.interp = map[*contract.ArrayKey]bool{}
	for k, as := range up {
		r.interp[k] = as.Interpolatable
	}
	return up, nil
}

func (r *Rotate) Prepare(_ context.Context, down contract.Request, rng *rand.Rand) (contract.Request, contract.State, error) {
	b := down.Bounds()
	v := down.VoxelSize
	d := Draw{
		Theta:   r.rotMin + rng.Float64()*(r.rotMax-r.rotMin),
		Center2: b.Offset.Scale(2).Add(b.Shape),
		Z0:      b.Offset[0] / v[0],
	}
	n := b.VoxelShape(v)[0]
	d.Shifts = make([][2]int64, n)
	var total [2]int64
	for i := range d.Shifts {
		p := rng.Float64()
		switch {
		case p < r.slip:
			d.Shifts[i] = r.clamp(total, r.draw(rng))
			continue
		case p < r.slip+r.shift:
			total = r.clamp(total, r.draw(rng))
		}
		d.Shifts[i] = total
	}

	margin := r.MaxDisplacement().Add(contract.C(0, v[1], v[2]))
	up := contract.NewRequest(v)
	for _, k := range down.Keys() {
		reg, _ := down.Get(k)
		up.Add(k, d.bounds(reg).GrowSym(margin).Snap(v, contract.SnapGrow))
	}
	return up, d, nil
}

func (r *Rotate) draw(rng *rand.Rand) [2]int64 {
	m := r.misalign
	return [2]int64{
		(rng.Int63n(2*m+1) - m) * r.voxel[1],
		(rng.Int63n(2*m+1) - m) * r.voxel[2],
	}
}

// clamp 叠加后截断到 ±max_misalign。
func (r *Rotate) clamp(base, d [2]int64) [2]int64 {
	lim := [2]int64{r.misalign * r.voxel[1], r.misalign * r.voxel[2]}
	for i := range base {
		base[i] = min(lim[i], max(-lim[i], base[i]+d[i]))
	}
	return base
}

// bounds: 旋转后区域在 y/x 上的外包盒（z 不变）。
func (d Draw) bounds(reg contract.Region) contract.Region {
	cy, cx := float64(d.Center2[1])/2, float64(d.Center2[2])/2
	lo := [2]float64{math.Inf(1), math.Inf(1)}
	hi := [2]float64{math.Inf(-1), math.Inf(-1)}
	for _, y := range []int64{reg.Offset[1], reg.End()[1]} {
		for _, x := range []int64{reg.Offset[2], reg.End()[2]} {
			qy, qx := d.rotate(float64(y)-cy, float64(x)-cx)
			lo[0], hi[0] = math.Min(lo[0], qy+cy), math.Max(hi[0], qy+cy)
			lo[1], hi[1] = math.Min(lo[1], qx+cx), math.Max(hi[1], qx+cx)
		}
	}
	begin := contract.C(reg.Offset[0], int64(math.Floor(lo[0])), int64(math.Floor(lo[1])))
	end := contract.C(reg.End()[0], int64(math.Ceil(hi[0])), int64(math.Ceil(hi[1])))
	return contract.NewRegion(begin, end.Sub(begin))
}

func (d Draw) rotate(dy, dx float64) (float64, float64) {
	s, c := math.Sincos(d.Theta)
	return c*dy - s*dx, s*dy + c*dx
}

func (r *Rotate) Process(ctx context.Context, up *contract.Batch, down contract.Request, st contract.State) (*contract.Batch, error) {
	d, ok := st.(Draw)
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing rotation draw", contract.ErrInvariantViolation, r.name)
	}
	out := contract.NewBatch(up.ID)
	out.Iteration, out.Loss = up.Iteration, up.Loss
	for _, k := range down.Keys() {
		src, err := up.MustGet(k)
		if err != nil {
			return nil, err
		}
		reg, _ := down.Get(k)
		dst, err := contract.NewArray(reg, src.VoxelSize, src.Channels)
		if err != nil {
			return nil, err
		}
		if err := r.resample(ctx, d, src, dst, r.interp[k]); err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out.Set(k, dst)
	}
	return out, nil
}

// resample: 输出体素中心 p 取上游在 R(p-c)+c+shift(z) 处的值；
// 可插值通道双线性插值，其余（标签、掩码）取最近邻。
func (r *Rotate) resample(ctx context.Context, d Draw, src, dst *contract.Array, linear bool) error {
	v := dst.VoxelSize
	cy, cx := float64(d.Center2[1])/2, float64(d.Center2[2])/2
	s := dst.Shape()
	ss := src.Shape()
	dz := (dst.Region.Offset[0] - src.Region.Offset[0]) / v[0]
	for z := int64(0); z < s[0]; z++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		abs := dst.Region.Offset[0]/v[0] + z
		i := abs - d.Z0
		if i < 0 || i >= int64(len(d.Shifts)) {
			return fmt.Errorf("%w: section %d has no misalignment draw", contract.ErrInvariantViolation, abs)
		}
		sh := d.Shifts[i]
		for y := int64(0); y < s[1]; y++ {
			py := float64(dst.Region.Offset[1]+y*v[1]) + float64(v[1])/2
			for x := int64(0); x < s[2]; x++ {
				px := float64(dst.Region.Offset[2]+x*v[2]) + float64(v[2])/2
				qy, qx := d.rotate(py-cy, px-cx)
				qy += cy + float64(sh[0])
				qx += cx + float64(sh[1])
				// 连续体素坐标（以体素中心为整数点）
				fy := (qy-float64(src.Region.Offset[1]))/float64(v[1]) - 0.5
				fx := (qx-float64(src.Region.Offset[2]))/float64(v[2]) - 0.5
				for c := 0; c < dst.Channels; c++ {
					val, ok := sample(src, c, z+dz, fy, fx, ss, linear)
					if !ok {
						return fmt.Errorf("%w: rotated sample (%.1f, %.1f) outside upstream %v", contract.ErrCoverage, fy, fx, src.Region)
					}
					dst.Set(c, z, y, x, val)
				}
			}
		}
	}
	return nil
}

func sample(a *contract.Array, c int, z int64, fy, fx float64, s contract.Coordinate, linear bool) (float32, bool) {
	if !linear {
		y, x := int64(math.Round(fy)), int64(math.Round(fx))
		if y < 0 || x < 0 || y >= s[1] || x >= s[2] {
			return 0, false
		}
		return a.At(c, z, y, x), true
	}
	y0, x0 := int64(math.Floor(fy)), int64(math.Floor(fx))
	if y0 < 0 || x0 < 0 || y0+1 >= s[1] || x0+1 >= s[2] {
		return 0, false
	}
	ty, tx := float32(fy-float64(y0)), float32(fx-float64(x0))
	v00, v01 := a.At(c, z, y0, x0), a.At(c, z, y0, x0+1)
	v10, v11 := a.At(c, z, y0+1, x0), a.At(c, z, y0+1, x0+1)
	top := v00 + (v01-v00)*tx
	bot := v10 + (v11-v10)*tx
	return top + (bot-top)*ty, true
}
