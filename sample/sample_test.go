package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedy(t *testing.T) {
	got, err := Greedy().Sample([]float32{0.1, 0.5, 0.3, 0.4})
	require.NoError(t, err)
	assert.Equal(t, int32(1), got)

	_, err = Greedy().Sample(nil)
	assert.Error(t, err)
}

func TestTemperature(t *testing.T) {
	got, err := Temperature(0.5).Apply([]float64{2, -1, 4, 0})
	require.NoError(t, err)
	assert.Equal(t, []float64{-4, -10, 0, -8}, got)

	_, err = Temperature(-1).Apply([]float64{1})
	assert.Error(t, err)
	_, err = Temperature(3).Apply([]float64{1})
	assert.Error(t, err)
}

func TestTopK(t *testing.T) {
	got, err := TopK(2).Apply([]float64{-3, 1, 0.5, 2})
	require.NoError(t, err)

	assert.Equal(t, []float64{math.Inf(-1), 1, math.Inf(-1), 2}, got)

	// k covering everything is a no-op
	got, err = TopK(10).Apply([]float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, got)

	_, err = TopK(0).Apply([]float64{1})
	assert.Error(t, err)
}

func TestTopP(t *testing.T) {
	// one dominant logit: a tight p keeps only it
	got, err := TopP(0.9).Apply([]float64{10, 0, 0, 0})
	require.NoError(t, err)

	assert.Equal(t, float64(10), got[0])
	for _, v := range got[1:] {
		assert.True(t, math.IsInf(v, -1))
	}

	_, err = TopP(0).Apply([]float64{1})
	assert.Error(t, err)
	_, err = TopP(1).Apply([]float64{1})
	assert.Error(t, err)
}

func TestMinP(t *testing.T) {
	got, err := MinP(0.5).Apply([]float64{10, 9.9, 0, -5})
	require.NoError(t, err)

	assert.False(t, math.IsInf(got[0], -1))
	assert.False(t, math.IsInf(got[1], -1))
	assert.True(t, math.IsInf(got[2], -1))
	assert.True(t, math.IsInf(got[3], -1))
}

func TestWeightedSeeded(t *testing.T) {
	seed := uint64(42)
	logits := []float32{1, 2, 3, 4}

	a, err := NewWeighted(&seed, Temperature(0.7)).Sample(logits)
	require.NoError(t, err)
	b, err := NewWeighted(&seed, Temperature(0.7)).Sample(logits)
	require.NoError(t, err)

	assert.Equal(t, a, b, "same seed must reproduce the draw")
}

func TestWeightedRespectsTopK(t *testing.T) {
	seed := uint64(7)
	s := NewWeighted(&seed, Temperature(1), TopK(1))

	for i := 0; i < 10; i++ {
		got, err := s.Sample([]float32{0.1, 5, 0.2})
		require.NoError(t, err)
		assert.Equal(t, int32(1), got)
	}
}

func TestNewPicksGreedyAtZeroTemperature(t *testing.T) {
	got, err := New(0, 40, 0.9, 0.05, nil).Sample([]float32{0, 3, 1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), got)
}
