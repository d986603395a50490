package simple

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsdtrain/pkg/contract"
)

var unit = contract.C(1, 1, 1)

func ramp(t *testing.T, reg contract.Region) *contract.Array {
	t.Helper()
	a, err := contract.NewArray(reg, unit, 1)
	require.NoError(t, err)
	for i := range a.Data {
		a.Data[i] = float32(i)
	}
	return a
}

// 转置 + 镜像 x：两次应用同一置换后恢复原数据（置换为对合时）
func TestMirrorAndTranspose(t *testing.T) {
	reg := contract.NewRegion(contract.C(0, -1, -1), contract.C(1, 2, 2))
	src := ramp(t, reg)
	f := Flip{Transpose: true, center2: reg.Offset.Scale(2).Add(reg.Shape)}
	got, err := f.apply(src, reg)
	require.NoError(t, err)
	// [[0 1] [2 3]] 转置为 [[0 2] [1 3]]
	assert.Equal(t, []float32{0, 2, 1, 3}, got.Data)

	f = Flip{Mirror: [3]bool{false, false, true}, center2: f.center2}
	got, err = f.apply(src, reg)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 3, 2}, got.Data)
}

func TestPrepareMapsRegionsAroundCommonCenter(t *testing.T) {
	keys := contract.NewKeys()
	raw, lab := keys.MustKey("RAW"), keys.MustKey("LABELS")
	s, err := New("simple", &Options{})
	require.NoError(t, err)
	down := contract.NewRequest(unit)
	down.Add(raw, contract.NewRegion(contract.C(0, 0, 0), contract.C(4, 10, 10)))
	down.Add(lab, contract.NewRegion(contract.C(0, 1, 2), contract.C(2, 3, 4)))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		up, st, err := s.Prepare(context.Background(), down, rng)
		require.NoError(t, err)
		f := st.(Flip)
		rr, _ := up.Get(raw)
		assert.Equal(t, contract.NewRegion(contract.C(0, 0, 0), contract.C(4, 10, 10)), rr, "对称的外包盒不变")
		lr, _ := up.Get(lab)
		assert.Equal(t, int64(24), lr.Shape.Volume(), "体积不变")
		if f.Mirror[2] && !f.Transpose {
			assert.Equal(t, int64(10-2-4), lr.Offset[2])
		}
	}
}

func TestProcessRoundTrip(t *testing.T) {
	keys := contract.NewKeys()
	raw := keys.MustKey("RAW")
	s, err := New("simple", &Options{MirrorOnly: []int{1, 2}})
	require.NoError(t, err)
	reg := contract.NewRegion(contract.C(0, 0, 0), contract.C(2, 4, 4))
	down := contract.NewRequest(unit)
	down.Add(raw, reg)
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 20; i++ {
		up, st, err := s.Prepare(context.Background(), down, rng)
		require.NoError(t, err)
		ur, _ := up.Get(raw)
		b := contract.NewBatch(1)
		src := ramp(t, ur)
		b.Set(raw, src)
		out, err := s.Process(context.Background(), b, down, st)
		require.NoError(t, err)
		a, _ := out.Get(raw)
		assert.ElementsMatch(t, src.Data, a.Data, "置换不改变取值集合")
		assert.Equal(t, reg, a.Region)
		assert.False(t, st.(Flip).Mirror[0])
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New("s", &Options{MirrorOnly: []int{3}})
	assert.ErrorIs(t, err, contract.ErrConfig)
	_, err = New("s", &Options{TransposeOnly: []int{0, 1}})
	assert.ErrorIs(t, err, contract.ErrConfig)
	s, err := New("s", &Options{TransposeOnly: []int{}})
	require.NoError(t, err)
	assert.False(t, s.transpose)
}
