package linear

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsdtrain/pkg/contract"
)

var unit = contract.C(1, 1, 1)

func rawArray(t *testing.T, reg contract.Region) *contract.Array {
	t.Helper()
	a, err := contract.NewArray(reg, unit, 1)
	require.NoError(t, err)
	for i := range a.Data {
		a.Data[i] = float32(math.Sin(float64(i) * 0.7))
	}
	return a
}

func TestDefaults(t *testing.T) {
	m, err := New("model", nil, unit)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw"}, m.Inputs())
	assert.Equal(t, map[string]int{"affs": 3, "lsds": 6}, m.Outputs())
	assert.Len(t, m.Params(), 9*Features)
	assert.Equal(t, unit, m.Context())
}

func TestForwardShapeAndRange(t *testing.T) {
	m, err := New("model", &Options{Outputs: map[string]int{"affs": 3}, Seed: 1}, unit)
	require.NoError(t, err)
	out := contract.NewRegion(contract.C(0, 0, 0), contract.C(2, 3, 3))
	raw := rawArray(t, out.GrowSym(unit))
	p, err := m.Forward(context.Background(), map[string]*contract.Array{"raw": raw}, out)
	require.NoError(t, err)
	a := p.Outputs()["affs"]
	require.NotNil(t, a)
	assert.Equal(t, out, a.Region)
	assert.Equal(t, 3, a.Channels)
	for _, v := range a.Data {
		assert.True(t, v > 0 && v < 1)
	}
}

func TestForwardErrors(t *testing.T) {
	m, err := New("model", nil, unit)
	require.NoError(t, err)
	out := contract.NewRegion(contract.C(0, 0, 0), contract.C(1, 2, 2))
	_, err = m.Forward(context.Background(), map[string]*contract.Array{"raw": rawArray(t, out)}, out)
	assert.ErrorIs(t, err, contract.ErrCoverage)
	_, err = m.Forward(context.Background(), nil, out)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = New("model", &Options{Outputs: map[string]int{"x": 0}}, unit)
	assert.ErrorIs(t, err, contract.ErrConfig)
}

// 数值梯度校验：L = Σ c_i · y_i
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	m, err := New("model", &Options{Outputs: map[string]int{"a": 1, "b": 2}, Seed: 3, InitScale: 0.5}, unit)
	require.NoError(t, err)
	out := contract.NewRegion(contract.C(0, 0, 0), contract.C(1, 2, 2))
	in := map[string]*contract.Array{"raw": rawArray(t, out.GrowSym(unit))}
	coef := map[string][]float32{
		"a": {1, -2, 0.5, 1},
		"b": {0.3, 0, 1, -1, 2, 0.1, -0.4, 1},
	}
	objective := func() float64 {
		p, err := m.Forward(context.Background(), in, out)
		require.NoError(t, err)
		var s float64
		for name, c := range coef {
			for i, v := range p.Outputs()[name].Data {
				s += float64(c[i]) * float64(v)
			}
		}
		return s
	}
	p, err := m.Forward(context.Background(), in, out)
	require.NoError(t, err)
	g, err := p.Backward(coef)
	require.NoError(t, err)
	require.Len(t, g, len(m.Params()))

	const h = 1e-2
	for i := range m.Params() {
		orig := m.params[i]
		m.params[i] = orig + h
		up := objective()
		m.params[i] = orig - h
		dn := objective()
		m.params[i] = orig
		assert.InDelta(t, (up-dn)/(2*h), g[i], 1e-3, "param %d", i)
	}

	_, err = p.Backward(map[string][]float32{"a": {1}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = p.Backward(map[string][]float32{"zzz": {1}})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}
