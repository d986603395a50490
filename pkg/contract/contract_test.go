package contract

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVoxel = C(40, 8, 8)

// UT-CON-01: 邻域填充不小于 voxel × max|offset|，且随输出尺寸单调不减
func TestContextPaddingMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		var neigh []Coordinate
		for i := 0; i < 1+rng.Intn(5); i++ {
			neigh = append(neigh, C(int64(rng.Intn(7)-3), int64(rng.Intn(17)-8), int64(rng.Intn(17)-8)))
		}
		if (PaddingOptions{Neighborhood: neigh}).validate() != nil {
			continue
		}
		out := C(int64(1+rng.Intn(30)), int64(1+rng.Intn(120)), int64(1+rng.Intn(120))).Mul(testVoxel)
		var maxOff Coordinate
		for _, n := range neigh {
			maxOff = maxOff.Max(n.Abs())
		}
		floor := testVoxel.Mul(maxOff)
		for _, mode := range []SnapMode{SnapShrink, SnapGrow} {
			p, err := ContextPadding(out, testVoxel, PaddingOptions{Neighborhood: neigh, Mode: mode})
			require.NoError(t, err)
			for a := 0; a < 3; a++ {
				assert.GreaterOrEqual(t, p[a], floor[a], "轴 %d 填充小于邻域下界 neigh=%v mode=%s", a, neigh, mode)
				assert.Zero(t, p[a]%testVoxel[a], "填充未对齐网格")
			}
			bigger, err := ContextPadding(out.Add(testVoxel), testVoxel, PaddingOptions{Neighborhood: neigh, Mode: mode})
			require.NoError(t, err)
			for a := 0; a < 3; a++ {
				assert.GreaterOrEqual(t, bigger[a], p[a], "输出增大后填充反而变小")
			}
		}
	}
}

// UT-CON-02: 参数互斥与输出尺寸校验
func TestContextPaddingConfigErrors(t *testing.T) {
	out := C(20, 104, 104).Mul(testVoxel)
	cases := map[string]struct {
		out  Coordinate
		opts PaddingOptions
	}{
		"两者皆无":   {out, PaddingOptions{}},
		"两者皆有":   {out, PaddingOptions{Neighborhood: []Coordinate{C(-1, 0, 0)}, Sigma: 80}},
		"负 sigma": {out, PaddingOptions{Sigma: -1}},
		"输出为零":   {C(0, 832, 832), PaddingOptions{Sigma: 80}},
		"未知模式":   {out, PaddingOptions{Sigma: 80, Mode: "sideways"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ContextPadding(tc.out, testVoxel, tc.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfig), "应为 ErrConfig: %v", err)
		})
	}
}

// UT-CON-03: 端到端填充场景 (20,104,104) 体素 × (40,8,8)
func TestContextPaddingScenario(t *testing.T) {
	out := C(20, 104, 104).Mul(testVoxel)
	neigh := []Coordinate{C(-1, 0, 0), C(0, -1, 0), C(0, 0, -1)}

	m, err := MethodPadding(testVoxel, PaddingOptions{Neighborhood: neigh})
	require.NoError(t, err)
	assert.Equal(t, C(40, 8, 8), m)

	m, err = MethodPadding(testVoxel, PaddingOptions{Sigma: 80})
	require.NoError(t, err)
	assert.Equal(t, C(240, 240, 240), m)

	// z: 400+40；y/x: sqrt(2)*832/2 ≈ 588.31 + 8 → 600
	p, err := ContextPadding(out, testVoxel, PaddingOptions{Neighborhood: neigh})
	require.NoError(t, err)
	assert.Equal(t, C(440, 600, 600), p)

	p, err = ContextPadding(out, testVoxel, PaddingOptions{Sigma: 80})
	require.NoError(t, err)
	assert.Equal(t, C(640, 832, 832), p)

	p, err = ContextPadding(out, testVoxel, PaddingOptions{Sigma: 80, Mode: SnapGrow})
	require.NoError(t, err)
	assert.Equal(t, C(640, 824, 824), p)

	// 截断倍数可配置
	m, err = MethodPadding(testVoxel, PaddingOptions{Sigma: 80, Truncate: 4})
	require.NoError(t, err)
	assert.Equal(t, C(320, 320, 320), m)
}

func TestNeighborhoodContext(t *testing.T) {
	lo, hi := NeighborhoodContext([]Coordinate{C(-1, 0, 0), C(0, -3, 0), C(0, 0, 2)}, testVoxel)
	assert.Equal(t, C(40, 24, 0), lo)
	assert.Equal(t, C(0, 0, 16), hi)
}

// UT-CON-04: 已对齐区域在两种模式下对齐后不变；任意区域对齐幂等
func TestSnapIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 500; trial++ {
		aligned := NewRegion(
			C(int64(rng.Intn(41)-20), int64(rng.Intn(41)-20), int64(rng.Intn(41)-20)).Mul(testVoxel),
			C(int64(rng.Intn(10)), int64(rng.Intn(10)), int64(rng.Intn(10))).Mul(testVoxel),
		)
		for _, mode := range []SnapMode{SnapShrink, SnapGrow} {
			assert.Equal(t, aligned, aligned.Snap(testVoxel, mode))
		}

		raw := NewRegion(
			C(int64(rng.Intn(2001)-1000), int64(rng.Intn(2001)-1000), int64(rng.Intn(2001)-1000)),
			C(int64(rng.Intn(400)), int64(rng.Intn(400)), int64(rng.Intn(400))),
		)
		grown := raw.Snap(testVoxel, SnapGrow)
		assert.True(t, grown.Contains(raw), "grow 应包含原区域 %v ⊄ %v", raw, grown)
		assert.Equal(t, grown, grown.Snap(testVoxel, SnapGrow))
		shrunk := raw.Snap(testVoxel, SnapShrink)
		if !shrunk.Empty() {
			assert.True(t, raw.Contains(shrunk), "shrink 应落在原区域内 %v ⊄ %v", shrunk, raw)
		}
		assert.True(t, shrunk.IsSnapped(testVoxel))
	}
}

// UT-CON-05: 合并结果为逐通道最小外包盒
func TestRequestMerge(t *testing.T) {
	keys := NewKeys()
	raw, gt := keys.MustKey("RAW"), keys.MustKey("GT_LABELS")
	rng := rand.New(rand.NewSource(3))
	randRegion := func() Region {
		return NewRegion(
			C(int64(rng.Intn(21)-10), int64(rng.Intn(21)-10), int64(rng.Intn(21)-10)).Mul(testVoxel),
			C(int64(1+rng.Intn(8)), int64(1+rng.Intn(8)), int64(1+rng.Intn(8))).Mul(testVoxel),
		)
	}
	for trial := 0; trial < 200; trial++ {
		a, b := randRegion(), randRegion()
		r1 := NewRequest(testVoxel)
		r1.Add(raw, a)
		r2 := NewRequest(testVoxel)
		r2.Add(raw, b)
		r2.Add(gt, b)
		require.NoError(t, r1.Merge(r2))

		got, ok := r1.Get(raw)
		require.True(t, ok)
		assert.Equal(t, a.Offset.Min(b.Offset), got.Offset)
		assert.Equal(t, a.End().Max(b.End()), got.End())
		assert.True(t, got.Contains(a) && got.Contains(b))
		g, ok := r1.Get(gt)
		require.True(t, ok)
		assert.Equal(t, b, g)
	}

	// 已包含时不变
	r := NewRequest(testVoxel)
	big := NewRegion(C(-400, -80, -80), C(800, 160, 160))
	r.Add(raw, big)
	small := NewRequest(testVoxel)
	small.Add(raw, NewRegion(C(0, 0, 0), C(40, 8, 8)))
	require.NoError(t, r.Merge(small))
	got, _ := r.Get(raw)
	assert.Equal(t, big, got)

	// 体素不一致
	other := NewRequest(C(4, 4, 4))
	other.Add(raw, big)
	assert.ErrorIs(t, r.Merge(other), ErrConfig)
}

func TestRequestCloneIsolated(t *testing.T) {
	keys := NewKeys()
	k := keys.MustKey("RAW")
	r := NewRequest(testVoxel)
	r.Add(k, NewRegion(C(0, 0, 0), C(40, 8, 8)))
	c := r.Clone()
	c.Add(k, NewRegion(C(0, 0, 0), C(80, 8, 8)))
	c.Add(keys.MustKey("LABELS"), NewRegion(C(0, 0, 0), C(40, 8, 8)))
	assert.False(t, r.Equal(c))
	assert.Equal(t, 1, r.Len())
	got, _ := r.Get(k)
	assert.Equal(t, C(40, 8, 8), got.Shape)
}

func TestKeysIdentity(t *testing.T) {
	keys := NewKeys()
	a, err := keys.Key("RAW")
	require.NoError(t, err)
	b, err := keys.Key(" RAW ")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.NotSame(t, a, NewKeys().MustKey("RAW"), "不同注册表的同名通道不应相同")
	_, err = keys.Key("  ")
	assert.ErrorIs(t, err, ErrConfig)
	keys.MustKey("GT")
	all := keys.All()
	require.Len(t, all, 2)
	assert.Equal(t, "RAW", all[0].Name())
}

func TestArrayCrop(t *testing.T) {
	v := C(1, 1, 1)
	a, err := NewArray(NewRegion(C(0, 0, 0), C(4, 5, 6)), v, 2)
	require.NoError(t, err)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	sub := NewRegion(C(1, 2, 3), C(2, 2, 2))
	c, err := a.Crop(sub)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	for ch := 0; ch < 2; ch++ {
		for z := int64(0); z < 2; z++ {
			for y := int64(0); y < 2; y++ {
				for x := int64(0); x < 2; x++ {
					assert.Equal(t, a.At(ch, z+1, y+2, x+3), c.At(ch, z, y, x))
				}
			}
		}
	}
	_, err = a.Crop(NewRegion(C(3, 0, 0), C(2, 1, 1)))
	assert.ErrorIs(t, err, ErrCoverage)
}

func TestBatchCrop(t *testing.T) {
	keys := NewKeys()
	raw, gt := keys.MustKey("RAW"), keys.MustKey("GT")
	b := NewBatch(1)
	full := NewRegion(C(-80, -16, -16), C(160, 32, 32))
	ra, err := NewArray(full, testVoxel, 1)
	require.NoError(t, err)
	b.Set(raw, ra)
	ga, err := NewArray(full, testVoxel, 1)
	require.NoError(t, err)
	b.Set(gt, ga)

	req := NewRequest(testVoxel)
	req.Add(raw, NewRegion(C(-40, -8, -8), C(80, 16, 16)))
	out, err := b.Crop(req)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len(), "未请求的通道应被丢弃")
	got, _ := out.Get(raw)
	want, _ := req.Get(raw)
	assert.Equal(t, want, got.Region)

	req.Add(keys.MustKey("MISSING"), want)
	_, err = b.Crop(req)
	assert.ErrorIs(t, err, ErrCoverage)
}

func TestWrapStage(t *testing.T) {
	assert.Nil(t, WrapStage("pad", "process", nil))
	err := WrapStage("pad", "process", ErrCoverage)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "pad", se.Stage)
	assert.ErrorIs(t, err, ErrCoverage)
	assert.Same(t, err, WrapStage("pad", "process", err))
}

func TestRegionOps(t *testing.T) {
	r := NewRegion(C(0, 0, 0), C(10, 10, 10))
	assert.Equal(t, NewRegion(C(-1, -2, -3), C(12, 14, 16)), r.GrowSym(C(1, 2, 3)))
	assert.Equal(t, NewRegion(C(5, 5, 5), C(5, 5, 5)), r.Intersect(NewRegion(C(5, 5, 5), C(10, 10, 10))))
	assert.True(t, r.Intersect(NewRegion(C(20, 0, 0), C(1, 1, 1))).Empty())
	assert.Equal(t, C(5, 5, 5), r.Center())
	assert.Equal(t, NewRegion(C(-5, -5, -5), C(10, 10, 10)), Centered(C(0, 0, 0), C(10, 10, 10)))
	assert.True(t, r.ContainsPoint(C(9, 9, 9)))
	assert.False(t, r.ContainsPoint(C(10, 0, 0)))
	m, err := ParseSnapMode("GROW")
	require.NoError(t, err)
	assert.Equal(t, SnapGrow, m)
}

func TestGridAlign(t *testing.T) {
	v := C(40, 8, 8)
	c := C(-41, 9, 16)
	assert.Equal(t, C(-80, 8, 16), c.FloorTo(v))
	assert.Equal(t, C(-40, 16, 16), c.CeilTo(v))
	// 已对齐的坐标不变
	assert.Equal(t, C(80, -8, 0), C(80, -8, 0).FloorTo(v))
	assert.Equal(t, C(80, -8, 0), C(80, -8, 0).CeilTo(v))
}

func TestArrayPasteAndPlane(t *testing.T) {
	v := C(1, 1, 1)
	dst, err := NewArray(NewRegion(C(0, 0, 0), C(2, 3, 3)), v, 1)
	require.NoError(t, err)
	dst.Fill(-1)
	src, err := NewArray(NewRegion(C(1, 1, 1), C(2, 2, 2)), v, 1)
	require.NoError(t, err)
	src.Fill(5)
	ov, err := dst.Paste(src)
	require.NoError(t, err)
	assert.Equal(t, NewRegion(C(1, 1, 1), C(1, 2, 2)), ov)
	assert.Equal(t, []float32{-1, -1, -1, -1, -1, -1, -1, -1, -1}, dst.Plane(0, 0))
	assert.Equal(t, []float32{-1, -1, -1, -1, 5, 5, -1, 5, 5}, dst.Plane(0, 1))

	wrong, _ := NewArray(src.Region, v, 2)
	_, err = dst.Paste(wrong)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, Unbounded().Contains(NewRegion(C(-1e9, 0, 1e9), C(10, 10, 10))))
}
