package losscurve

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/plotter"

	"lsdtrain/pkg/contract"
)

func TestMovingAverage(t *testing.T) {
	pts := plotter.XYs{{X: 1, Y: 1}, {X: 2, Y: 3}, {X: 3, Y: 5}, {X: 4, Y: 7}}
	avg := MovingAverage(pts, 2)
	assert.Equal(t, plotter.XYs{{X: 2, Y: 2}, {X: 3, Y: 4}, {X: 4, Y: 6}}, avg)
	assert.Nil(t, MovingAverage(pts, 5))
}

func TestWritesPNGOnSchedule(t *testing.T) {
	dir := t.TempDir()
	l, err := New("loss_curve", &Options{Every: 4, Dir: dir, Window: 2}, nil)
	require.NoError(t, err)
	path := filepath.Join(dir, "loss.png")
	for it := int64(1); it <= 4; it++ {
		b := contract.NewBatch(it)
		b.Iteration, b.Loss = it, 1/float64(it)
		out, err := l.Process(context.Background(), b, contract.Request{}, nil)
		require.NoError(t, err)
		assert.Same(t, b, out)
		if it < 4 {
			_, err := os.Stat(path)
			assert.True(t, os.IsNotExist(err))
		}
	}
	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(bs))
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)
	assert.Len(t, l.points, 4)
}

func TestZeroIterationIgnored(t *testing.T) {
	l, err := New("loss_curve", &Options{Every: 1, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	_, err = l.Process(context.Background(), contract.NewBatch(1), contract.Request{}, nil)
	require.NoError(t, err)
	assert.Empty(t, l.points)

	_, err = Render(nil, 2)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
