package contract

import (
	"fmt"
	"math"
	"strings"
)

// Coordinate: 三维整数向量（轴序 z, y, x），单位为物理单位（通常为 nm）。
// 既表示位置，也表示尺寸/体素大小/填充量。
type Coordinate [3]int64

// C 便捷构造。
func C(z, y, x int64) Coordinate { return Coordinate{z, y, x} }

func (c Coordinate) Add(o Coordinate) Coordinate {
	return Coordinate{c[0] + o[0], c[1] + o[1], c[2] + o[2]}
}

func (c Coordinate) Sub(o Coordinate) Coordinate {
	return Coordinate{c[0] - o[0], c[1] - o[1], c[2] - o[2]}
}

// Mul 逐分量乘（例如 体素数 × 体素大小 = 物理尺寸）。
func (c Coordinate) Mul(o Coordinate) Coordinate {
	return Coordinate{c[0] * o[0], c[1] * o[1], c[2] * o[2]}
}

// Div 逐分量向下取整除；o 的分量必须非零。
func (c Coordinate) Div(o Coordinate) Coordinate {
	return Coordinate{floorDiv(c[0], o[0]), floorDiv(c[1], o[1]), floorDiv(c[2], o[2])}
}

// FloorTo 逐分量向下对齐到 step 的整数倍（负数向 -∞）。
func (c Coordinate) FloorTo(step Coordinate) Coordinate { return c.Div(step).Mul(step) }

// CeilTo 逐分量向上对齐到 step 的整数倍。
func (c Coordinate) CeilTo(step Coordinate) Coordinate {
	return Coordinate{ceilDiv(c[0], step[0]), ceilDiv(c[1], step[1]), ceilDiv(c[2], step[2])}.Mul(step)
}

func (c Coordinate) Scale(k int64) Coordinate {
	return Coordinate{c[0] * k, c[1] * k, c[2] * k}
}

func (c Coordinate) Min(o Coordinate) Coordinate {
	return Coordinate{min(c[0], o[0]), min(c[1], o[1]), min(c[2], o[2])}
}

func (c Coordinate) Max(o Coordinate) Coordinate {
	return Coordinate{max(c[0], o[0]), max(c[1], o[1]), max(c[2], o[2])}
}

func (c Coordinate) Abs() Coordinate {
	out := c
	for i := range out {
		if out[i] < 0 {
			out[i] = -out[i]
		}
	}
	return out
}

// Positive 报告所有分量是否 > 0。
func (c Coordinate) Positive() bool { return c[0] > 0 && c[1] > 0 && c[2] > 0 }

// NonNegative 报告所有分量是否 >= 0。
func (c Coordinate) NonNegative() bool { return c[0] >= 0 && c[1] >= 0 && c[2] >= 0 }

func (c Coordinate) IsZero() bool { return c == Coordinate{} }

// Volume 返回分量乘积（用于体素计数）。
func (c Coordinate) Volume() int64 { return c[0] * c[1] * c[2] }

func (c Coordinate) String() string { return fmt.Sprintf("(%d, %d, %d)", c[0], c[1], c[2]) }

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 { return -floorDiv(-a, b) }

// SnapMode: 网格对齐模式。
// - shrink：起点向上、终点向下取整（边界内收）；
// - grow：起点向下、终点向上取整（边界外扩）。
type SnapMode string

const (
	SnapShrink SnapMode = "shrink"
	SnapGrow   SnapMode = "grow"
)

// ParseSnapMode 解析配置中的模式名；空串视为 shrink。
func ParseSnapMode(s string) (SnapMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(SnapShrink):
		return SnapShrink, nil
	case string(SnapGrow):
		return SnapGrow, nil
	default:
		return "", fmt.Errorf("%w: unknown snap mode %q", ErrConfig, s)
	}
}

// Region: 物理坐标下的轴对齐盒（Offset 为下角，Shape 为尺寸）。
// 约束：Shape 各分量非负；对齐后 Offset/Shape 均为体素大小的整数倍。
type Region struct {
	Offset Coordinate `json:"offset"`
	Shape  Coordinate `json:"shape"`
}

// NewRegion 构造区域；负尺寸截断为 0。
func NewRegion(offset, shape Coordinate) Region {
	return Region{Offset: offset, Shape: shape.Max(Coordinate{})}
}

// Centered 返回以 center 为中心、尺寸为 shape 的区域（下角向下取整）。
func Centered(center, shape Coordinate) Region {
	half := shape.Div(Coordinate{2, 2, 2})
	return NewRegion(center.Sub(half), shape)
}

// Unbounded 返回实际上无界的区域（随机定位之后的通道范围、无界填充）。
func Unbounded() Region {
	const half = int64(1) << 40
	return Region{Offset: Coordinate{-half, -half, -half}, Shape: Coordinate{2 * half, 2 * half, 2 * half}}
}

func (r Region) End() Coordinate { return r.Offset.Add(r.Shape) }

// Empty 报告区域体积是否为 0。
func (r Region) Empty() bool { return !r.Shape.Positive() }

func (r Region) Center() Coordinate {
	return r.Offset.Add(r.Shape.Div(Coordinate{2, 2, 2}))
}

// Contains 报告 o 是否完全落在 r 内（空区域只要下角在 r 的闭包内即视为包含）。
func (r Region) Contains(o Region) bool {
	ro, re := r.Offset, r.End()
	oo, oe := o.Offset, o.End()
	for i := 0; i < 3; i++ {
		if oo[i] < ro[i] || oe[i] > re[i] {
			return false
		}
	}
	return true
}

// ContainsPoint 报告点 p 是否位于半开区间 [Offset, End) 内。
func (r Region) ContainsPoint(p Coordinate) bool {
	e := r.End()
	for i := 0; i < 3; i++ {
		if p[i] < r.Offset[i] || p[i] >= e[i] {
			return false
		}
	}
	return true
}

// Shift 平移。
func (r Region) Shift(d Coordinate) Region { return Region{Offset: r.Offset.Add(d), Shape: r.Shape} }

// Intersect 求交；不相交时返回 Shape 为 0 的区域。
func (r Region) Intersect(o Region) Region {
	begin := r.Offset.Max(o.Offset)
	end := r.End().Min(o.End())
	return NewRegion(begin, end.Sub(begin))
}

// Union 返回同时包含 r 与 o 的最小盒。
func (r Region) Union(o Region) Region {
	begin := r.Offset.Min(o.Offset)
	end := r.End().Max(o.End())
	return NewRegion(begin, end.Sub(begin))
}

// Grow 非对称扩张：下侧扩 lower，上侧扩 upper（负值即收缩，尺寸截断为 0）。
func (r Region) Grow(lower, upper Coordinate) Region {
	begin := r.Offset.Sub(lower)
	end := r.End().Add(upper)
	return NewRegion(begin, end.Sub(begin))
}

// GrowSym 对称扩张。
func (r Region) GrowSym(p Coordinate) Region { return r.Grow(p, p) }

// Snap 将区域边界对齐到 voxel 网格。
func (r Region) Snap(voxel Coordinate, mode SnapMode) Region {
	begin, end := r.Offset, r.End()
	var b, e Coordinate
	for i := 0; i < 3; i++ {
		switch mode {
		case SnapGrow:
			b[i] = floorDiv(begin[i], voxel[i]) * voxel[i]
			e[i] = ceilDiv(end[i], voxel[i]) * voxel[i]
		default:
			b[i] = ceilDiv(begin[i], voxel[i]) * voxel[i]
			e[i] = floorDiv(end[i], voxel[i]) * voxel[i]
		}
	}
	return NewRegion(b, e.Sub(b))
}

// IsSnapped 报告 Offset 与 Shape 是否均为 voxel 的整数倍。
func (r Region) IsSnapped(voxel Coordinate) bool {
	for i := 0; i < 3; i++ {
		if voxel[i] <= 0 || r.Offset[i]%voxel[i] != 0 || r.Shape[i]%voxel[i] != 0 {
			return false
		}
	}
	return true
}

// VoxelShape 返回以体素计的尺寸。
func (r Region) VoxelShape(voxel Coordinate) Coordinate { return r.Shape.Div(voxel) }

func (r Region) String() string {
	return fmt.Sprintf("[%v:%v]", r.Offset, r.End())
}

// ceilToGrid 将非负实数量向上对齐到 step 的整数倍。
func ceilToGrid(v float64, step int64) int64 {
	return int64(math.Ceil(v/float64(step)-1e-9)) * step
}

func floorToGrid(v float64, step int64) int64 {
	return int64(math.Floor(v/float64(step)+1e-9)) * step
}
