package synthetic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsdtrain/pkg/contract"
)

var voxel = contract.C(40, 8, 8)

func newSource(t *testing.T) (*Source, *contract.Keys) {
	t.Helper()
	keys := contract.NewKeys()
	s, err := New("synthetic", &Options{
		Offset: [3]int64{0, 0, 0},
		Shape:  [3]int64{40 * 20, 8 * 100, 8 * 100},
		Seed:   7,
	}, keys, voxel)
	require.NoError(t, err)
	return s, keys
}

func request(keys *contract.Keys, region contract.Region, names ...string) contract.Request {
	r := contract.NewRequest(voxel)
	for _, n := range names {
		r.Add(keys.MustKey(n), region)
	}
	return r
}

func TestSetupDeclaresChannels(t *testing.T) {
	s, keys := newSource(t)
	spec, err := s.Setup(nil)
	require.NoError(t, err)
	assert.Len(t, spec, 4)
	assert.True(t, spec[keys.MustKey("RAW")].Interpolatable)
	assert.False(t, spec[keys.MustKey("GT_LABELS")].Interpolatable)
	assert.Equal(t, s.Extent(), spec[keys.MustKey("LABELS_MASK")].Region)
}

// 重叠区域的数据与读取方式无关
func TestDeterministicAcrossRegions(t *testing.T) {
	s, keys := newSource(t)
	ctx := context.Background()
	big := contract.NewRegion(contract.C(80, 80, 80), contract.C(6, 20, 20).Mul(voxel))
	small := contract.NewRegion(contract.C(120, 120, 160), contract.C(2, 5, 5).Mul(voxel))

	b1, err := s.Process(ctx, nil, request(keys, big, "RAW", "GT_LABELS"), nil)
	require.NoError(t, err)
	b2, err := s.Process(ctx, nil, request(keys, small, "RAW", "GT_LABELS"), nil)
	require.NoError(t, err)
	for _, name := range []string{"RAW", "GT_LABELS"} {
		a1, _ := b1.Get(keys.MustKey(name))
		a2, _ := b2.Get(keys.MustKey(name))
		c, err := a1.Crop(small)
		require.NoError(t, err)
		assert.Equal(t, a2.Data, c.Data, name)
	}
}

func TestLabelsAndMasksConsistent(t *testing.T) {
	s, keys := newSource(t)
	region := contract.NewRegion(contract.C(0, 0, 0), contract.C(10, 60, 60).Mul(voxel))
	b, err := s.Process(context.Background(), nil, request(keys, region, "RAW", "GT_LABELS", "LABELS_MASK", "UNLABELED"), nil)
	require.NoError(t, err)
	labels, _ := b.Get(keys.MustKey("GT_LABELS"))
	unlab, _ := b.Get(keys.MustKey("UNLABELED"))
	mask, _ := b.Get(keys.MustKey("LABELS_MASK"))
	raw, _ := b.Get(keys.MustKey("RAW"))

	distinct := map[float32]bool{}
	for i, l := range labels.Data {
		assert.Less(t, l, float32(1<<24))
		assert.Equal(t, unlab.Data[i] == 0, l == 0)
		assert.Equal(t, float32(1), mask.Data[i])
		assert.GreaterOrEqual(t, raw.Data[i], float32(0))
		assert.LessOrEqual(t, raw.Data[i], float32(1))
		distinct[l] = true
	}
	assert.Greater(t, len(distinct), 3, "应包含多个分割")
}

func TestOutsideExtentIsCoverageError(t *testing.T) {
	s, keys := newSource(t)
	region := contract.NewRegion(contract.C(-40, 0, 0), contract.C(2, 2, 2).Mul(voxel))
	_, err := s.Process(context.Background(), nil, request(keys, region, "RAW"), nil)
	assert.ErrorIs(t, err, contract.ErrCoverage)

	other := keys.MustKey("GT_AFFS")
	r := contract.NewRequest(voxel)
	r.Add(other, contract.NewRegion(contract.C(0, 0, 0), voxel))
	_, err = s.Process(context.Background(), nil, r, nil)
	assert.ErrorIs(t, err, contract.ErrCoverage)
}

func TestNewValidation(t *testing.T) {
	keys := contract.NewKeys()
	_, err := New("s", &Options{}, keys, voxel)
	assert.ErrorIs(t, err, contract.ErrConfig)
	_, err = New("s", &Options{Shape: [3]int64{41, 8, 8}}, keys, voxel)
	assert.ErrorIs(t, err, contract.ErrConfig)
	_, err = New("s", &Options{Shape: [3]int64{40, 8, 8}, CellSize: [3]int64{-1, 1, 1}}, keys, voxel)
	assert.ErrorIs(t, err, contract.ErrConfig)
}
