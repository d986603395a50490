// Package zarr 将 zarr v2 容器中的数据集作为流水线数据源。
package zarr

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"

	zarrstore "lsdtrain/internal/zarr"
	"lsdtrain/pkg/contract"
)

// Options: Container 为容器目录；Datasets 为 通道名 → 容器内数据集路径。
type Options struct {
	Container string            `json:"container"`
	Datasets  map[string]string `json:"datasets"`
	// Interpolatable: 可插值的通道名（通常只有原始图像）；默认 ["RAW"]。
	Interpolatable []string `json:"interpolatable"`
}

type dataset struct {
	key    *contract.ArrayKey
	arr    *zarrstore.Array
	interp bool
}

type Source struct {
	name     string
	voxel    contract.Coordinate
	datasets map[*contract.ArrayKey]dataset
}

// New 打开全部数据集并校验分辨率与流水线体素大小一致。
func New(name string, opts *Options, keys *contract.Keys, voxel contract.Coordinate) (*Source, error) {
	if opts == nil || opts.Container == "" || len(opts.Datasets) == 0 {
		return nil, fmt.Errorf("%w: %s: container and datasets are required", contract.ErrConfig, name)
	}
	interp := map[string]bool{}
	if opts.Interpolatable == nil {
		interp["RAW"] = true
	}
	for _, n := range opts.Interpolatable {
		interp[n] = true
	}
	names := make([]string, 0, len(opts.Datasets))
	for n := range opts.Datasets {
		names = append(names, n)
	}
	sort.Strings(names)

	s := &Source{name: name, voxel: voxel, datasets: map[*contract.ArrayKey]dataset{}}
	for _, n := range names {
		k, err := keys.Key(n)
		if err != nil {
			return nil, err
		}
		a, err := zarrstore.Open(filepath.Join(opts.Container, filepath.FromSlash(opts.Datasets[n])))
		if err != nil {
			return nil, fmt.Errorf("%s: open %s: %w", name, n, err)
		}
		if a.Attrs.Resolution != voxel {
			return nil, fmt.Errorf("%w: %s: dataset %s resolution %v != voxel size %v",
				contract.ErrConfig, name, n, a.Attrs.Resolution, voxel)
		}
		if !a.Extent().IsSnapped(voxel) {
			return nil, fmt.Errorf("%w: %s: dataset %s offset %v not aligned to %v",
				contract.ErrConfig, name, n, a.Attrs.Offset, voxel)
		}
		s.datasets[k] = dataset{key: k, arr: a, interp: interp[n]}
	}
	return s, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) IsSource() {}

func (s *Source) Setup(_ contract.Spec) (contract.Spec, error) {
	spec := contract.Spec{}
	for k, d := range s.datasets {
		spec[k] = contract.ArraySpec{
			Region:         d.arr.Extent(),
			VoxelSize:      s.voxel,
			Channels:       d.arr.Channels(),
			Interpolatable: d.interp,
		}
	}
	return spec, nil
}

func (s *Source) Prepare(_ context.Context, down contract.Request, _ *rand.Rand) (contract.Request, contract.State, error) {
	return down.Clone(), nil, nil
}

func (s *Source) Process(ctx context.Context, _ *contract.Batch, down contract.Request, _ contract.State) (*contract.Batch, error) {
	out := contract.NewBatch(0)
	for _, k := range down.Keys() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, ok := s.datasets[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s does not provide %s", contract.ErrCoverage, s.name, k)
		}
		region, _ := down.Get(k)
		arr, err := d.arr.ReadRegion(region)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", s.name, k, err)
		}
		out.Set(k, arr)
	}
	return out, nil
}
