// Package synthetic 提供程序化生成的标注体数据源：各向异性抖动网格上的 Voronoi 分割，
// 伴随由分割导出的原始强度（细胞膜变暗 + 确定性噪声）、全 1 的标注掩码与未标注掩码。
// 任意区域的数据只取决于 (seed, 物理坐标)，因此多个 worker 并发读取结果一致。
package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"lsdtrain/pkg/contract"
)

// Options: 数据源选项（物理单位）。
type Options struct {
	Raw        string `json:"raw"`
	Labels     string `json:"labels"`
	LabelsMask string `json:"labels_mask"`
	Unlabeled  string `json:"unlabeled"`

	// Offset/Shape: 可提供的范围；Shape 必需。
	Offset [3]int64 `json:"offset"`
	Shape  [3]int64 `json:"shape"`
	// CellSize: Voronoi 网格单元尺寸。默认 (200, 160, 160)。
	CellSize [3]int64 `json:"cell_size"`
	// Membrane: 细胞边界宽度。默认 16。
	Membrane float64 `json:"membrane"`
	// UnlabeledFraction: 整个细胞被标为未标注的概率。默认 0.1；负值表示 0。
	UnlabeledFraction float64 `json:"unlabeled_fraction"`
	// Noise: 原始强度上叠加的均匀噪声幅度。默认 0.05。
	Noise float64 `json:"noise"`
	Seed  int64   `json:"seed"`
}

// Source 为只读阶段，可被多个 worker 共享。
type Source struct {
	name   string
	voxel  contract.Coordinate
	extent contract.Region
	cell   [3]float64

	membrane   float64
	unlabeled  float64
	noise      float64
	seed       uint64
	raw        *contract.ArrayKey
	labels     *contract.ArrayKey
	labelsMask *contract.ArrayKey
	unlabKey   *contract.ArrayKey
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

// New 创建数据源；voxel 为全流水线共享的体素大小。
func New(name string, opts *Options, keys *contract.Keys, voxel contract.Coordinate) (*Source, error) {
	if opts == nil {
		opts = &Options{}
	}
	if !voxel.Positive() {
		return nil, fmt.Errorf("%w: %s: voxel size must be positive, got %v", contract.ErrConfig, name, voxel)
	}
	extent := contract.NewRegion(contract.Coordinate(opts.Offset), contract.Coordinate(opts.Shape))
	if extent.Empty() || !extent.IsSnapped(voxel) {
		return nil, fmt.Errorf("%w: %s: extent %v must be non-empty and aligned to %v", contract.ErrConfig, name, extent, voxel)
	}
	s := &Source{
		name:      name,
		voxel:     voxel,
		extent:    extent,
		membrane:  opts.Membrane,
		unlabeled: opts.UnlabeledFraction,
		noise:     opts.Noise,
		seed:      uint64(opts.Seed),
	}
	cell := contract.Coordinate(opts.CellSize)
	if cell.IsZero() {
		cell = contract.C(200, 160, 160)
	}
	if !cell.Positive() {
		return nil, fmt.Errorf("%w: %s: cell_size must be positive, got %v", contract.ErrConfig, name, cell)
	}
	for i := range s.cell {
		s.cell[i] = float64(cell[i])
	}
	if s.membrane == 0 {
		s.membrane = 16
	}
	if s.unlabeled == 0 {
		s.unlabeled = 0.1
	}
	if s.unlabeled < 0 {
		s.unlabeled = 0
	}
	if s.noise == 0 {
		s.noise = 0.05
	}
	var err error
	if s.raw, err = keys.Key(orDefault(opts.Raw, "RAW")); err != nil {
		return nil, err
	}
	if s.labels, err = keys.Key(orDefault(opts.Labels, "GT_LABELS")); err != nil {
		return nil, err
	}
	if s.labelsMask, err = keys.Key(orDefault(opts.LabelsMask, "LABELS_MASK")); err != nil {
		return nil, err
	}
	if s.unlabKey, err = keys.Key(orDefault(opts.Unlabeled, "UNLABELED")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) IsSource() {}

// Extent 返回可提供的范围。
func (s *Source) Extent() contract.Region { return s.extent }

func (s *Source) Setup(_ contract.Spec) (contract.Spec, error) {
	spec := contract.Spec{}
	for _, k := range []*contract.ArrayKey{s.raw, s.labels, s.labelsMask, s.unlabKey} {
		spec[k] = contract.ArraySpec{Region: s.extent, VoxelSize: s.voxel, Channels: 1, Interpolatable: k == s.raw}
	}
	return spec, nil
}

func (s *Source) Prepare(_ context.Context, down contract.Request, _ *rand.Rand) (contract.Request, contract.State, error) {
	return down.Clone(), nil, nil
}

// Process 生成 down 中请求的全部通道；超出范围返回 ErrCoverage。
func (s *Source) Process(ctx context.Context, _ *contract.Batch, down contract.Request, _ contract.State) (*contract.Batch, error) {
	out := contract.NewBatch(0)
	for _, k := range down.Keys() {
		region, _ := down.Get(k)
		if !s.extent.Contains(region) {
			return nil, fmt.Errorf("%w: %s: %s region %v outside extent %v", contract.ErrCoverage, s.name, k, region, s.extent)
		}
		var fill func(p [3]float64, c cellHit) float32
		switch k {
		case s.raw:
			fill = s.rawAt
		case s.labels:
			fill = func(_ [3]float64, c cellHit) float32 {
				if c.unlabeled {
					return 0
				}
				return float32(c.label)
			}
		case s.labelsMask:
			fill = func([3]float64, cellHit) float32 { return 1 }
		case s.unlabKey:
			fill = func(_ [3]float64, c cellHit) float32 {
				if c.unlabeled {
					return 0
				}
				return 1
			}
		default:
			return nil, fmt.Errorf("%w: %s does not provide %s", contract.ErrCoverage, s.name, k)
		}
		arr, err := contract.NewArray(region, s.voxel, 1)
		if err != nil {
			return nil, err
		}
		if err := s.generate(ctx, arr, fill); err != nil {
			return nil, err
		}
		out.Set(k, arr)
	}
	return out, nil
}

func (s *Source) generate(ctx context.Context, arr *contract.Array, fill func([3]float64, cellHit) float32) error {
	sh := arr.Shape()
	i := 0
	for z := int64(0); z < sh[0]; z++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for y := int64(0); y < sh[1]; y++ {
			for x := int64(0); x < sh[2]; x++ {
				p := s.center(arr.Region.Offset, z, y, x)
				arr.Data[i] = fill(p, s.nearest(p))
				i++
			}
		}
	}
	return nil
}

// center 返回体素中心的物理坐标。
func (s *Source) center(origin contract.Coordinate, z, y, x int64) [3]float64 {
	idx := [3]int64{z, y, x}
	var p [3]float64
	for a := 0; a < 3; a++ {
		p[a] = float64(origin[a]+idx[a]*s.voxel[a]) + float64(s.voxel[a])/2
	}
	return p
}

// cellHit: 最近种子所属单元，以及到次近种子的距离差（用于细胞膜）。
type cellHit struct {
	label     uint32
	unlabeled bool
	gap       float64
	tone      float64
}

func (s *Source) nearest(p [3]float64) cellHit {
	var base [3]int64
	for a := 0; a < 3; a++ {
		base[a] = int64(math.Floor(p[a] / s.cell[a]))
	}
	best, second := math.Inf(1), math.Inf(1)
	var bestCell [3]int64
	for dz := int64(-1); dz <= 1; dz++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for dx := int64(-1); dx <= 1; dx++ {
				c := [3]int64{base[0] + dz, base[1] + dy, base[2] + dx}
				seed := s.seedPoint(c)
				var d2 float64
				for a := 0; a < 3; a++ {
					d := p[a] - seed[a]
					d2 += d * d
				}
				switch {
				case d2 < best:
					second, best, bestCell = best, d2, c
				case d2 < second:
					second = d2
				}
			}
		}
	}
	h := s.hash(bestCell, 0)
	return cellHit{
		// 标签须 < 2^24 才能以 float32 精确表示；0 保留给背景
		label:     uint32(h&0x7FFFFF) + 1,
		unlabeled: unit(s.hash(bestCell, 1)) < s.unlabeled,
		gap:       math.Sqrt(second) - math.Sqrt(best),
		tone:      unit(s.hash(bestCell, 2)),
	}
}

func (s *Source) seedPoint(c [3]int64) [3]float64 {
	var out [3]float64
	for a := 0; a < 3; a++ {
		out[a] = (float64(c[a]) + unit(s.hash(c, uint64(3+a)))) * s.cell[a]
	}
	return out
}

func (s *Source) rawAt(p [3]float64, c cellHit) float32 {
	v := 0.45 + 0.35*c.tone
	if c.gap < s.membrane {
		v = 0.1
	}
	var q [3]int64
	for a := 0; a < 3; a++ {
		q[a] = int64(math.Floor(p[a]))
	}
	v += (unit(s.hash(q, 99)) - 0.5) * 2 * s.noise
	return float32(min(1, max(0, v)))
}

func (s *Source) hash(c [3]int64, salt uint64) uint64 {
	h := s.seed ^ (salt * 0xD6E8FEB86659FD93)
	for _, v := range c {
		h = mix(h ^ uint64(v))
	}
	return h
}

func mix(z uint64) uint64 {
	z += 0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// unit 将哈希映射到 [0, 1)。
func unit(h uint64) float64 { return float64(h>>11) / (1 << 53) }
