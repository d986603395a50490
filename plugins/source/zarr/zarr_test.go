package zarr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsdtrain/internal/atomicfile"
	zarrstore "lsdtrain/internal/zarr"
	"lsdtrain/pkg/contract"
)

var voxel = contract.C(40, 8, 8)

func writeContainer(t *testing.T) (string, *contract.Array) {
	t.Helper()
	w, err := atomicfile.New(&atomicfile.Options{Root: t.TempDir()})
	require.NoError(t, err)
	region := contract.NewRegion(contract.C(0, 0, 0), contract.C(4, 10, 10).Mul(voxel))
	raw, err := contract.NewArray(region, voxel, 1)
	require.NoError(t, err)
	for i := range raw.Data {
		raw.Data[i] = float32(i%255) / 255
	}
	ctx := context.Background()
	require.NoError(t, zarrstore.WriteGroup(ctx, w, "train.zarr"))
	require.NoError(t, zarrstore.WriteArray(ctx, w, "train.zarr/volumes/raw", raw, contract.C(2, 4, 4), "zstd"))
	return w.Root() + "/train.zarr", raw
}

func TestReadsRequestedRegion(t *testing.T) {
	container, raw := writeContainer(t)
	keys := contract.NewKeys()
	s, err := New("zarr", &Options{Container: container, Datasets: map[string]string{"RAW": "volumes/raw"}}, keys, voxel)
	require.NoError(t, err)

	spec, err := s.Setup(nil)
	require.NoError(t, err)
	rk := keys.MustKey("RAW")
	assert.Equal(t, raw.Region, spec[rk].Region)
	assert.True(t, spec[rk].Interpolatable)

	sub := contract.NewRegion(contract.C(40, 16, 24), contract.C(2, 3, 3).Mul(voxel))
	req := contract.NewRequest(voxel)
	req.Add(rk, sub)
	b, err := s.Process(context.Background(), nil, req, nil)
	require.NoError(t, err)
	got, _ := b.Get(rk)
	want, _ := raw.Crop(sub)
	assert.Equal(t, want.Data, got.Data)

	req.Add(rk, sub.Shift(contract.C(400, 0, 0)))
	_, err = s.Process(context.Background(), nil, req, nil)
	assert.ErrorIs(t, err, contract.ErrCoverage)
}

func TestResolutionMismatch(t *testing.T) {
	container, _ := writeContainer(t)
	_, err := New("zarr", &Options{Container: container, Datasets: map[string]string{"RAW": "volumes/raw"}},
		contract.NewKeys(), contract.C(40, 4, 4))
	assert.ErrorIs(t, err, contract.ErrConfig)
}

func TestMissingOptions(t *testing.T) {
	_, err := New("zarr", &Options{}, contract.NewKeys(), voxel)
	assert.ErrorIs(t, err, contract.ErrConfig)
}
