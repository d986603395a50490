package contract

import (
	"fmt"
	"strings"
)

// Request: 声明式批请求，通道 → 所需区域，外加整请求共享的体素大小。
// 约束：进入流水线后视为只读；阶段在向上游发请求前必须 Clone 后再修改。
type Request struct {
	VoxelSize Coordinate
	regions   map[*ArrayKey]Region
}

func NewRequest(voxel Coordinate) Request {
	return Request{VoxelSize: voxel, regions: map[*ArrayKey]Region{}}
}

// Add 注册或覆盖通道的所需区域。
func (r *Request) Add(k *ArrayKey, region Region) {
	if r.regions == nil {
		r.regions = map[*ArrayKey]Region{}
	}
	r.regions[k] = region
}

func (r Request) Get(k *ArrayKey) (Region, bool) {
	reg, ok := r.regions[k]
	return reg, ok
}

func (r Request) Has(k *ArrayKey) bool {
	_, ok := r.regions[k]
	return ok
}

func (r *Request) Remove(k *ArrayKey) { delete(r.regions, k) }

func (r Request) Len() int { return len(r.regions) }

// Keys 按名称排序返回。
func (r Request) Keys() []*ArrayKey {
	out := make([]*ArrayKey, 0, len(r.regions))
	for k := range r.regions {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// Merge 并入 other：同一通道取包含两者的最小盒（不收缩既有需求）；已包含则不变。
// 体素大小不一致视为配置错误（零值视为未设置）。
func (r *Request) Merge(other Request) error {
	switch {
	case r.VoxelSize.IsZero():
		r.VoxelSize = other.VoxelSize
	case !other.VoxelSize.IsZero() && other.VoxelSize != r.VoxelSize:
		return fmt.Errorf("%w: voxel size mismatch %v vs %v", ErrConfig, r.VoxelSize, other.VoxelSize)
	}
	for k, reg := range other.regions {
		cur, ok := r.Get(k)
		if !ok {
			r.Add(k, reg)
			continue
		}
		if cur.Contains(reg) {
			continue
		}
		r.Add(k, cur.Union(reg))
	}
	return nil
}

// Clone 深拷贝。
func (r Request) Clone() Request {
	out := Request{VoxelSize: r.VoxelSize, regions: make(map[*ArrayKey]Region, len(r.regions))}
	for k, v := range r.regions {
		out.regions[k] = v
	}
	return out
}

// Equal 报告两请求是否完全相同（体素大小与全部区域）。
func (r Request) Equal(o Request) bool {
	if r.VoxelSize != o.VoxelSize || len(r.regions) != len(o.regions) {
		return false
	}
	for k, v := range r.regions {
		if ov, ok := o.regions[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Bounds 返回全部通道区域的外包盒；空请求返回零区域。
func (r Request) Bounds() Region {
	var out Region
	first := true
	for _, k := range r.Keys() {
		reg := r.regions[k]
		if first {
			out, first = reg, false
			continue
		}
		out = out.Union(reg)
	}
	return out
}

// Validate 校验区域已对齐网格且尺寸为正。
func (r Request) Validate() error {
	if !r.VoxelSize.Positive() {
		return fmt.Errorf("%w: request voxel size must be positive, got %v", ErrConfig, r.VoxelSize)
	}
	for _, k := range r.Keys() {
		reg := r.regions[k]
		if reg.Empty() {
			return fmt.Errorf("%w: %s: region %v is empty", ErrConfig, k, reg)
		}
		if !reg.IsSnapped(r.VoxelSize) {
			return fmt.Errorf("%w: %s: region %v not aligned to voxel size %v", ErrConfig, k, reg, r.VoxelSize)
		}
	}
	return nil
}

func (r Request) String() string {
	var sb strings.Builder
	sb.WriteString("Request{")
	for i, k := range r.Keys() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", k, r.regions[k])
	}
	sb.WriteString("}")
	return sb.String()
}
