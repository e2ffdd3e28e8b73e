package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeRoundTripBound(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([]float64, 300)
	for i := range data {
		data[i] = rng.NormFloat64()
	}

	codes, scales := QuantizeNF4(data, 64)
	out := make([]float64, len(data))
	DequantizeNF4(codes, scales, 64, out)

	for i := range data {
		absmax := scales[i/64]
		// half the widest codebook gap, scaled by the block absmax
		assert.LessOrEqual(t, math.Abs(out[i]-data[i]), 0.16*absmax,
			"element %d drifted outside the NF4 error bound", i)
	}
}

func TestQuantizeExactCodebookValues(t *testing.T) {
	data := make([]float64, len(nf4Codebook))
	copy(data, nf4Codebook[:])

	codes, scales := QuantizeNF4(data, 64)
	require.Equal(t, 1.0, scales[0], "codebook includes -1 and 1, so absmax is 1")

	out := make([]float64, len(data))
	DequantizeNF4(codes, scales, 64, out)
	for i := range data {
		assert.InDelta(t, data[i], out[i], 1e-12)
	}
}

func TestQuantizeZeroBlock(t *testing.T) {
	data := make([]float64, 10)
	codes, scales := QuantizeNF4(data, 64)
	out := make([]float64, len(data))
	DequantizeNF4(codes, scales, 64, out)
	assert.Equal(t, data, out)
}

func TestQuantizeOddLength(t *testing.T) {
	data := []float64{0.5, -0.25, 1.0}
	codes, scales := QuantizeNF4(data, 2)
	require.Len(t, codes, 2, "three codes pack into two bytes")
	require.Len(t, scales, 2)

	out := make([]float64, 3)
	DequantizeNF4(codes, scales, 2, out)
	assert.InDelta(t, 1.0, out[2], 1e-12)
}

func TestQuantizeNetwork(t *testing.T) {
	net, err := Build(tinyConfig("t5"), 1)
	require.NoError(t, err)

	t.Run("disabled is a no-op", func(t *testing.T) {
		n, err := QuantizeNetwork(net, QuantConfig{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("quantizes every projection layer", func(t *testing.T) {
		first := net.Linears()[0]
		before := append([]float64(nil), first.W.Data...)

		n, err := QuantizeNetwork(net, QuantConfig{Enabled: true})
		require.NoError(t, err)
		assert.Equal(t, len(net.Linears()), n)

		// the layer now carries exactly the round-tripped weights
		codes, scales := QuantizeNF4(before, DefaultQuantBlockSize)
		expected := make([]float64, len(before))
		DequantizeNF4(codes, scales, DefaultQuantBlockSize, expected)
		assert.Equal(t, expected, first.W.Data)
	})

	t.Run("negative block size fails", func(t *testing.T) {
		_, err := QuantizeNetwork(net, QuantConfig{Enabled: true, BlockSize: -1})
		assert.Error(t, err)
	})
}
