package balance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsdtrain/pkg/contract"
)

var unit = contract.C(1, 1, 1)

func TestScales(t *testing.T) {
	// 1/4 正类
	w := Scales([]float64{1, 0, 0, 0}, []float64{1, 1, 1, 1}, 0.05, 0.95)
	assert.InDeltaSlice(t, []float32{2, 2.0 / 3, 2.0 / 3, 2.0 / 3}, w, 1e-6)
	// 正负两类总权重相等
	assert.InDelta(t, float64(w[0]), float64(w[1]+w[2]+w[3]), 1e-6)

	// 掩码外的体素不计入比例且权重为 0
	w = Scales([]float64{1, 0, 1, 1}, []float64{1, 1, 0, 0}, 0.05, 0.95)
	assert.InDeltaSlice(t, []float32{1, 1, 0, 0}, w, 1e-6)

	// 全正类时比例被截断
	w = Scales([]float64{1, 1}, []float64{1, 1}, 0.05, 0.95)
	assert.InDelta(t, 1/(2*0.95), float64(w[0]), 1e-6)

	assert.Equal(t, []float32{0, 0}, Scales([]float64{1, 0}, []float64{0, 0}, 0.05, 0.95))
}

func TestStageBroadcastsSingleChannelMask(t *testing.T) {
	keys := contract.NewKeys()
	b, err := New("balance", &Options{Labels: "GT_AFFS", Scales: "AFFS_WEIGHTS", Mask: "GT_AFFINITIES_MASK"}, keys)
	require.NoError(t, err)
	out := contract.NewRegion(contract.C(0, 0, 0), contract.C(1, 1, 2))

	down := contract.NewRequest(unit)
	down.Add(b.scales, out)
	up, _, err := b.Prepare(context.Background(), down, nil)
	require.NoError(t, err)
	assert.False(t, up.Has(b.scales))
	assert.True(t, up.Has(b.labels))
	assert.True(t, up.Has(b.mask))

	labels, _ := contract.NewArray(out.GrowSym(contract.C(0, 0, 1)), unit, 2)
	// 通道 0: [_,1,0,_]，通道 1: [_,0,0,_]
	labels.Set(0, 0, 0, 1, 1)
	mask, _ := contract.NewArray(out, unit, 1)
	mask.Fill(1)
	batch := contract.NewBatch(1)
	batch.Set(b.labels, labels)
	batch.Set(b.mask, mask)
	res, err := b.Process(context.Background(), batch, down, nil)
	require.NoError(t, err)
	s, ok := res.Get(b.scales)
	require.True(t, ok)
	assert.Equal(t, out, s.Region)
	assert.Equal(t, 2, s.Channels)
	assert.InDeltaSlice(t, []float32{2, 2.0 / 3, 2.0 / 3, 2.0 / 3}, s.Data, 1e-6)
	// 上游标签未被修改
	assert.Equal(t, float32(1), labels.At(0, 0, 0, 1))
}

func TestNewValidation(t *testing.T) {
	_, err := New("balance", &Options{ClipMin: 0.6, ClipMax: 0.4}, contract.NewKeys())
	assert.ErrorIs(t, err, contract.ErrConfig)
	_, err = New("balance", &Options{ClipMax: 1}, contract.NewKeys())
	assert.ErrorIs(t, err, contract.ErrConfig)
	b, err := New("balance", nil, contract.NewKeys())
	require.NoError(t, err)
	_, err = b.Setup(contract.Spec{})
	assert.ErrorIs(t, err, contract.ErrConfig)
}
