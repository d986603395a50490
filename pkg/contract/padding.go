package contract

import (
	"fmt"
	"math"
)

// DefaultTruncate: 高斯类核的截断倍数（padding = Truncate × sigma）。
const DefaultTruncate = 3.0

// PaddingOptions: 上下文计算参数。Neighborhood 与 Sigma 互斥且必须二选一。
type PaddingOptions struct {
	// Neighborhood: 邻域偏移集合（体素单位，各轴取值一般为 {-d,0,d}）。
	Neighborhood []Coordinate
	// Sigma: 平滑核半径（物理单位）。
	Sigma float64
	// Truncate: sigma 的截断倍数；<=0 时取 DefaultTruncate。
	Truncate float64
	// Mode: 对齐模式；空值视为 shrink。
	Mode SnapMode
}

func (o PaddingOptions) validate() error {
	hasN := len(o.Neighborhood) > 0
	hasS := o.Sigma != 0
	if o.Sigma < 0 || math.IsNaN(o.Sigma) || math.IsInf(o.Sigma, 0) {
		return fmt.Errorf("%w: sigma must be a finite positive number, got %v", ErrConfig, o.Sigma)
	}
	if hasN == hasS {
		return fmt.Errorf("%w: exactly one of neighborhood or sigma must be given", ErrConfig)
	}
	return nil
}

// MethodPadding 返回下游运算本身所需的对称填充量（未叠加旋转余量、未对齐）。
// - 邻域：voxel[a] × max|offset[a]|；
// - sigma：ceil(Truncate × sigma)，各轴相同。
func MethodPadding(voxel Coordinate, opts PaddingOptions) (Coordinate, error) {
	if err := opts.validate(); err != nil {
		return Coordinate{}, err
	}
	if !voxel.Positive() {
		return Coordinate{}, fmt.Errorf("%w: voxel size must be positive, got %v", ErrConfig, voxel)
	}
	if len(opts.Neighborhood) > 0 {
		var m Coordinate
		for _, off := range opts.Neighborhood {
			m = m.Max(off.Abs())
		}
		return voxel.Mul(m), nil
	}
	t := opts.Truncate
	if t <= 0 {
		t = DefaultTruncate
	}
	p := int64(math.Ceil(t*opts.Sigma - 1e-9))
	return Coordinate{p, p, p}, nil
}

// ContextPadding 计算上游应额外请求的最小对称填充量（下角偏移量）。
// 结果 = (out.z/2, diag/2, diag/2) + MethodPadding，其中 diag = sqrt(out.y² + out.x²)，
// 余量用于容纳任意平面内旋转后再裁回输出区域；最后按 Mode 对齐到体素网格：
// shrink 向上取整（填充永不不足），grow 向下取整。
func ContextPadding(outputSize, voxel Coordinate, opts PaddingOptions) (Coordinate, error) {
	if !outputSize.Positive() {
		return Coordinate{}, fmt.Errorf("%w: output size must be positive, got %v", ErrConfig, outputSize)
	}
	method, err := MethodPadding(voxel, opts)
	if err != nil {
		return Coordinate{}, err
	}
	mode := opts.Mode
	if mode == "" {
		mode = SnapShrink
	}
	if mode != SnapShrink && mode != SnapGrow {
		return Coordinate{}, fmt.Errorf("%w: unknown snap mode %q", ErrConfig, mode)
	}
	diag := math.Hypot(float64(outputSize[1]), float64(outputSize[2]))
	raw := [3]float64{
		float64(outputSize[0])/2 + float64(method[0]),
		diag/2 + float64(method[1]),
		diag/2 + float64(method[2]),
	}
	var out Coordinate
	for i := 0; i < 3; i++ {
		if mode == SnapShrink {
			out[i] = ceilToGrid(raw[i], voxel[i])
		} else {
			out[i] = floorToGrid(raw[i], voxel[i])
		}
	}
	return out, nil
}

// NeighborhoodContext 返回邻域查找实际需要的非对称上下文：
// 负偏移需要下侧上下文，正偏移需要上侧上下文（物理单位）。
func NeighborhoodContext(neighborhood []Coordinate, voxel Coordinate) (lower, upper Coordinate) {
	for _, off := range neighborhood {
		for a := 0; a < 3; a++ {
			if off[a] < 0 && -off[a] > lower[a] {
				lower[a] = -off[a]
			}
			if off[a] > 0 && off[a] > upper[a] {
				upper[a] = off[a]
			}
		}
	}
	return lower.Mul(voxel), upper.Mul(voxel)
}
