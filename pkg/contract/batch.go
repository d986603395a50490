package contract

import "fmt"

// Array: 覆盖 Region 的 (C, z, y, x) 体数据，行主序。
// 标签 ID 以 float32 保存，须 < 2^24 才能精确表示。
type Array struct {
	Region    Region
	VoxelSize Coordinate
	Channels  int
	Data      []float32
}

// NewArray 分配零值数组；region 须已对齐到 voxel。
func NewArray(region Region, voxel Coordinate, channels int) (*Array, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: channels must be >= 1, got %d", ErrInvalidInput, channels)
	}
	if !voxel.Positive() || !region.IsSnapped(voxel) {
		return nil, fmt.Errorf("%w: region %v not aligned to voxel size %v", ErrInvalidInput, region, voxel)
	}
	n := region.VoxelShape(voxel).Volume() * int64(channels)
	return &Array{Region: region, VoxelSize: voxel, Channels: channels, Data: make([]float32, n)}, nil
}

// Shape 返回以体素计的空间尺寸 (z, y, x)。
func (a *Array) Shape() Coordinate { return a.Region.VoxelShape(a.VoxelSize) }

// Voxels 返回单通道体素数。
func (a *Array) Voxels() int { return int(a.Shape().Volume()) }

// Index 返回 (c, z, y, x) 的线性下标（体素坐标相对数组起点）。
func (a *Array) Index(c int, z, y, x int64) int {
	s := a.Shape()
	return int(((int64(c)*s[0]+z)*s[1]+y)*s[2] + x)
}

func (a *Array) At(c int, z, y, x int64) float32 { return a.Data[a.Index(c, z, y, x)] }

func (a *Array) Set(c int, z, y, x int64, v float32) { a.Data[a.Index(c, z, y, x)] = v }

// Channel 返回第 c 个通道的切片视图（共享底层数据）。
func (a *Array) Channel(c int) []float32 {
	n := a.Voxels()
	return a.Data[c*n : (c+1)*n]
}

// Plane 返回第 c 通道第 z 截面的视图（共享底层数据）。
func (a *Array) Plane(c int, z int64) []float32 {
	s := a.Shape()
	n := int(s[1] * s[2])
	start := a.Index(c, z, 0, 0)
	return a.Data[start : start+n]
}

// Paste 将 src 与 a 重叠部分逐行拷入 a（通道数须相同），返回重叠区域。
func (a *Array) Paste(src *Array) (Region, error) {
	if src.Channels != a.Channels || src.VoxelSize != a.VoxelSize {
		return Region{}, fmt.Errorf("%w: paste %d channels @%v into %d channels @%v",
			ErrInvalidInput, src.Channels, src.VoxelSize, a.Channels, a.VoxelSize)
	}
	ov := a.Region.Intersect(src.Region)
	if ov.Empty() {
		return ov, nil
	}
	s := ov.VoxelShape(a.VoxelSize)
	da := ov.Offset.Sub(a.Region.Offset).Div(a.VoxelSize)
	ds := ov.Offset.Sub(src.Region.Offset).Div(a.VoxelSize)
	row := int(s[2])
	for c := 0; c < a.Channels; c++ {
		for z := int64(0); z < s[0]; z++ {
			for y := int64(0); y < s[1]; y++ {
				dst := a.Index(c, z+da[0], y+da[1], da[2])
				from := src.Index(c, z+ds[0], y+ds[1], ds[2])
				copy(a.Data[dst:dst+row], src.Data[from:from+row])
			}
		}
	}
	return ov, nil
}

// Fill 将全部元素置为 v。
func (a *Array) Fill(v float32) {
	for i := range a.Data {
		a.Data[i] = v
	}
}

// Validate 校验长度与对齐。
func (a *Array) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil array", ErrInvalidInput)
	}
	if !a.Region.IsSnapped(a.VoxelSize) {
		return fmt.Errorf("%w: array region %v not aligned to %v", ErrInvariantViolation, a.Region, a.VoxelSize)
	}
	if want := a.Voxels() * a.Channels; len(a.Data) != want {
		return fmt.Errorf("%w: array data length %d, want %d", ErrInvariantViolation, len(a.Data), want)
	}
	return nil
}

// Crop 返回恰好覆盖 region 的副本；region 未被包含或未对齐时返回 ErrCoverage。
func (a *Array) Crop(region Region) (*Array, error) {
	if !a.Region.Contains(region) {
		return nil, fmt.Errorf("%w: array %v does not contain %v", ErrCoverage, a.Region, region)
	}
	if !region.IsSnapped(a.VoxelSize) {
		return nil, fmt.Errorf("%w: crop %v not aligned to voxel size %v", ErrCoverage, region, a.VoxelSize)
	}
	out := &Array{Region: region, VoxelSize: a.VoxelSize, Channels: a.Channels}
	s := out.Shape()
	out.Data = make([]float32, s.Volume()*int64(a.Channels))
	d := region.Offset.Sub(a.Region.Offset).Div(a.VoxelSize)
	row := int(s[2])
	for c := 0; c < a.Channels; c++ {
		for z := int64(0); z < s[0]; z++ {
			for y := int64(0); y < s[1]; y++ {
				src := a.Index(c, z+d[0], y+d[1], d[2])
				dst := out.Index(c, z, y, 0)
				copy(out.Data[dst:dst+row], a.Data[src:src+row])
			}
		}
	}
	return out, nil
}

// Clone 深拷贝。
func (a *Array) Clone() *Array {
	out := *a
	out.Data = append([]float32(nil), a.Data...)
	return &out
}

// Batch: 一次请求的交付结果，通道 → 数组，外加训练步写入的迭代号与损失。
type Batch struct {
	ID        int64
	Iteration int64
	Loss      float64
	arrays    map[*ArrayKey]*Array
}

func NewBatch(id int64) *Batch { return &Batch{ID: id, arrays: map[*ArrayKey]*Array{}} }

func (b *Batch) Get(k *ArrayKey) (*Array, bool) {
	a, ok := b.arrays[k]
	return a, ok
}

// MustGet 同 Get，缺失时返回 ErrCoverage。
func (b *Batch) MustGet(k *ArrayKey) (*Array, error) {
	a, ok := b.arrays[k]
	if !ok {
		return nil, fmt.Errorf("%w: batch has no array %s", ErrCoverage, k)
	}
	return a, nil
}

func (b *Batch) Set(k *ArrayKey, a *Array) {
	if b.arrays == nil {
		b.arrays = map[*ArrayKey]*Array{}
	}
	b.arrays[k] = a
}

func (b *Batch) Delete(k *ArrayKey) { delete(b.arrays, k) }

func (b *Batch) Has(k *ArrayKey) bool {
	_, ok := b.arrays[k]
	return ok
}

func (b *Batch) Len() int { return len(b.arrays) }

// Keys 按名称排序返回。
func (b *Batch) Keys() []*ArrayKey {
	out := make([]*ArrayKey, 0, len(b.arrays))
	for k := range b.arrays {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// Crop 仅保留 req 中的通道，且各自裁剪到请求区域。
// 缺失通道或覆盖不足返回 ErrCoverage；区域恰好相等时复用原数组。
func (b *Batch) Crop(req Request) (*Batch, error) {
	out := &Batch{ID: b.ID, Iteration: b.Iteration, Loss: b.Loss, arrays: make(map[*ArrayKey]*Array, req.Len())}
	for _, k := range req.Keys() {
		want, _ := req.Get(k)
		a, ok := b.arrays[k]
		if !ok {
			return nil, fmt.Errorf("%w: requested array %s missing from batch", ErrCoverage, k)
		}
		if a.Region == want {
			out.arrays[k] = a
			continue
		}
		c, err := a.Crop(want)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out.arrays[k] = c
	}
	return out, nil
}
