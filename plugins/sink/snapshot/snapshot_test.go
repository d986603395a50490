package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsdtrain/internal/diag"
	"lsdtrain/internal/zarr"
	"lsdtrain/pkg/contract"
)

var voxel = contract.C(40, 8, 8)

func testBatch(t *testing.T, keys *contract.Keys, iteration int64) *contract.Batch {
	t.Helper()
	reg := contract.NewRegion(contract.C(0, 80, 80), contract.C(80, 32, 32))
	raw, err := contract.NewArray(reg, voxel, 1)
	require.NoError(t, err)
	for i := range raw.Data {
		raw.Data[i] = float32(i) / 100
	}
	affs, err := contract.NewArray(reg, voxel, 3)
	require.NoError(t, err)
	affs.Fill(1)
	b := contract.NewBatch(7)
	b.Iteration, b.Loss = iteration, 0.25
	b.Set(keys.MustKey("RAW"), raw)
	b.Set(keys.MustKey("GT_AFFS"), affs)
	return b
}

func TestWritesOnScheduleAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	keys := contract.NewKeys()
	s, err := New("snapshot", &Options{
		Every:    5,
		Dir:      dir,
		Datasets: map[string]string{"RAW": "volumes/raw", "GT_AFFS": "volumes/gt_affs"},
		Chunk:    [3]int64{1, 2, 2},
	}, keys, nil)
	require.NoError(t, err)

	b := testBatch(t, keys, 3)
	out, err := s.Process(context.Background(), b, contract.Request{}, nil)
	require.NoError(t, err)
	assert.Same(t, b, out)
	_, err = os.Stat(s.Path(3))
	assert.True(t, os.IsNotExist(err), "非整除迭代不写出")

	b = testBatch(t, keys, 10)
	_, err = s.Process(context.Background(), b, contract.Request{}, nil)
	require.NoError(t, err)
	dest := filepath.Join(dir, "batch_10.zarr")
	assert.Equal(t, dest, s.Path(10))

	za, err := zarr.Open(filepath.Join(dest, "volumes", "raw"))
	require.NoError(t, err)
	raw, _ := b.Get(keys.MustKey("RAW"))
	got, err := za.ReadRegion(raw.Region)
	require.NoError(t, err)
	assert.Equal(t, raw.Data, got.Data)
	assert.Equal(t, "zstd", za.Meta.Compressor.ID)

	za, err = zarr.Open(filepath.Join(dest, "volumes", "gt_affs"))
	require.NoError(t, err)
	assert.Equal(t, 3, za.Channels())

	var attrs rootAttrs
	bs, err := os.ReadFile(filepath.Join(dest, ".zattrs"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(bs, &attrs))
	assert.Equal(t, rootAttrs{Iteration: 10, Loss: 0.25, BatchID: 7}, attrs)

	// 无残留临时目录
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRootAttrsCarryRunID(t *testing.T) {
	dir := t.TempDir()
	keys := contract.NewKeys()
	s, err := New("snapshot", &Options{Every: 1, Dir: dir, Compressor: "raw"}, keys, diag.NewStderrLogger("run-42", "error"))
	require.NoError(t, err)
	_, err = s.Process(context.Background(), testBatch(t, keys, 2), contract.Request{}, nil)
	require.NoError(t, err)
	var attrs rootAttrs
	bs, err := os.ReadFile(filepath.Join(dir, "batch_2.zarr", ".zattrs"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(bs, &attrs))
	assert.Equal(t, "run-42", attrs.RunID)
}

func TestAllArraysWhenNoDatasets(t *testing.T) {
	dir := t.TempDir()
	keys := contract.NewKeys()
	s, err := New("snapshot", &Options{Every: 1, Dir: dir, Compressor: "raw"}, keys, nil)
	require.NoError(t, err)
	_, err = s.Process(context.Background(), testBatch(t, keys, 1), contract.Request{}, nil)
	require.NoError(t, err)
	for _, ds := range []string{"raw", "gt_affs"} {
		_, err := zarr.Open(filepath.Join(dir, "batch_1.zarr", ds))
		assert.NoError(t, err, ds)
	}
}

func TestFailureDoesNotFailRun(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	keys := contract.NewKeys()
	s, err := New("snapshot", &Options{Every: 1, Dir: blocker}, keys, nil)
	require.NoError(t, err)
	b := testBatch(t, keys, 1)
	out, err := s.Process(context.Background(), b, contract.Request{}, nil)
	require.NoError(t, err)
	assert.Same(t, b, out)
}

func TestValidation(t *testing.T) {
	keys := contract.NewKeys()
	_, err := New("snapshot", &Options{Compressor: "gzip"}, keys, nil)
	assert.ErrorIs(t, err, contract.ErrConfig)
	_, err = New("snapshot", &Options{Filename: "a/b"}, keys, nil)
	assert.ErrorIs(t, err, contract.ErrConfig)
	_, err = New("snapshot", &Options{Datasets: map[string]string{"RAW": " "}}, keys, nil)
	assert.ErrorIs(t, err, contract.ErrConfig)

	s, err := New("snapshot", &Options{Datasets: map[string]string{"RAW": "raw"}}, keys, nil)
	require.NoError(t, err)
	_, err = s.Setup(contract.Spec{})
	assert.ErrorIs(t, err, contract.ErrConfig)
}
