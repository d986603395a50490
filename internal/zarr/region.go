package zarr

import (
	"context"
	"fmt"

	"lsdtrain/internal/atomicfile"
	"lsdtrain/pkg/contract"
)

// Extent 返回数组在物理坐标下覆盖的区域（末三维）。
func (a *Array) Extent() contract.Region {
	s := a.Meta.Shape
	n := len(s)
	vox := contract.C(s[n-3], s[n-2], s[n-1])
	return contract.NewRegion(a.Attrs.Offset, vox.Mul(a.Attrs.Resolution))
}

// Channels: 三维数组为 1，四维数组为首维长度。
func (a *Array) Channels() int {
	if len(a.Meta.Shape) == 4 {
		return int(a.Meta.Shape[0])
	}
	return 1
}

func (a *Array) checkSpatial() error {
	if n := len(a.Meta.Shape); n != 3 && n != 4 {
		return fmt.Errorf("%w: zarr array rank %d, want 3 or 4", contract.ErrConfig, n)
	}
	if !a.Attrs.Resolution.Positive() {
		return fmt.Errorf("%w: zarr array %s has no positive resolution attribute", contract.ErrConfig, a.dir)
	}
	return nil
}

// ReadRegion 读取物理区域 region（须对齐到分辨率且落在 Extent 内）。
func (a *Array) ReadRegion(region contract.Region) (*contract.Array, error) {
	if err := a.checkSpatial(); err != nil {
		return nil, err
	}
	res := a.Attrs.Resolution
	if !a.Extent().Contains(region) {
		return nil, fmt.Errorf("%w: %v outside zarr extent %v", contract.ErrCoverage, region, a.Extent())
	}
	out, err := contract.NewArray(region, res, a.Channels())
	if err != nil {
		return nil, err
	}
	b := region.Offset.Sub(a.Attrs.Offset).Div(res)
	s := region.VoxelShape(res)
	begin, shape := b[:], s[:]
	if len(a.Meta.Shape) == 4 {
		begin = append([]int64{0}, begin...)
		shape = append([]int64{int64(out.Channels)}, shape...)
	}
	data, err := a.ReadBox(begin, shape)
	if err != nil {
		return nil, err
	}
	out.Data = data
	return out, nil
}

// WriteArray 将 arr 写成 rel 处的新数组；单通道写成三维，多通道写成 (C, z, y, x)。
// chunk 的非正分量取整轴长度。
func WriteArray(ctx context.Context, w *atomicfile.Writer, rel string, arr *contract.Array, chunk contract.Coordinate, compressor string) error {
	if err := arr.Validate(); err != nil {
		return err
	}
	s := arr.Shape()
	shape := []int64{s[0], s[1], s[2]}
	chunks := make([]int64, 3)
	for i := range chunks {
		chunks[i] = s[i]
		if chunk[i] > 0 {
			chunks[i] = max(1, min(chunk[i], s[i]))
		}
	}
	if arr.Channels > 1 {
		shape = append([]int64{int64(arr.Channels)}, shape...)
		chunks = append([]int64{int64(arr.Channels)}, chunks...)
	}
	za, err := Create(ctx, w, rel, NewMeta(shape, chunks, compressor), Attrs{Offset: arr.Region.Offset, Resolution: arr.VoxelSize})
	if err != nil {
		return err
	}
	return za.WriteAll(ctx, arr.Data)
}
