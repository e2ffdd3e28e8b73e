package data

import (
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAToB(t *testing.T) {
	row := Row{"en": "hello", "vi": "xin chào"}

	ex, err := AToB(row, "en", "vi")
	require.NoError(t, err)
	assert.Equal(t, "hello", ex.Inputs)
	assert.Equal(t, "xin chào", ex.Targets)

	_, err = AToB(row, "en", "fr")
	assert.Error(t, err, "missing language column must be reported")
}

func TestMultiTrans(t *testing.T) {
	rows := []Row{
		{"en": "good morning", "vi": "chào buổi sáng"},
		{"en": "thank you", "vi": "cảm ơn"},
	}

	ds, err := MultiTrans(rows, "en", "vi")
	require.NoError(t, err)
	require.Equal(t, 4, ds.Len(), "every pair yields both directions")

	// forward then reverse, in row order
	assert.Equal(t, Example{Inputs: "good morning", Targets: "chào buổi sáng"}, ds.At(0))
	assert.Equal(t, Example{Inputs: "chào buổi sáng", Targets: "good morning"}, ds.At(1))
	assert.Equal(t, Example{Inputs: "thank you", Targets: "cảm ơn"}, ds.At(2))
	assert.Equal(t, Example{Inputs: "cảm ơn", Targets: "thank you"}, ds.At(3))
}

// sliceIter adapts a fixed slice to the ExampleIter interface for tests.
type sliceIter struct {
	examples []Example
	pos      int
}

func (s *sliceIter) Next() (Example, error) {
	if s.pos >= len(s.examples) {
		return Example{}, io.EOF
	}
	ex := s.examples[s.pos]
	s.pos++
	return ex, nil
}

func (s *sliceIter) Close() error { return nil }

func drain(t *testing.T, it ExampleIter) []Example {
	t.Helper()
	var out []Example
	for {
		ex, err := it.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ex)
	}
}

func TestInterleave(t *testing.T) {
	makeSources := func() []ExampleIter {
		return []ExampleIter{
			&sliceIter{examples: []Example{{Inputs: "a1"}, {Inputs: "a2"}, {Inputs: "a3"}}},
			&sliceIter{examples: []Example{{Inputs: "b1"}}},
		}
	}

	t.Run("yields every example once", func(t *testing.T) {
		out := drain(t, Interleave(7, makeSources()...))
		require.Len(t, out, 4)

		inputs := make([]string, len(out))
		for i, ex := range out {
			inputs[i] = ex.Inputs
		}
		sort.Strings(inputs)
		assert.Equal(t, []string{"a1", "a2", "a3", "b1"}, inputs)
	})

	t.Run("same seed gives the same order", func(t *testing.T) {
		first := drain(t, Interleave(7, makeSources()...))
		second := drain(t, Interleave(7, makeSources()...))
		assert.Equal(t, first, second)
	})

	t.Run("empty sources yield EOF", func(t *testing.T) {
		_, err := Interleave(7).Next()
		assert.Equal(t, io.EOF, err)
	})
}

func TestShuffleBuffer(t *testing.T) {
	examples := make([]Example, 50)
	for i := range examples {
		examples[i] = Example{Inputs: string(rune('a' + i%26)), Targets: string(rune('A' + i%26))}
	}

	t.Run("preserves the multiset of examples", func(t *testing.T) {
		out := drain(t, ShuffleBuffer(&sliceIter{examples: examples}, 16, 3))
		require.Len(t, out, len(examples))

		counts := map[Example]int{}
		for _, ex := range examples {
			counts[ex]++
		}
		for _, ex := range out {
			counts[ex]--
		}
		for _, c := range counts {
			assert.Zero(t, c)
		}
	})

	t.Run("same seed gives the same order", func(t *testing.T) {
		first := drain(t, ShuffleBuffer(&sliceIter{examples: examples}, 16, 3))
		second := drain(t, ShuffleBuffer(&sliceIter{examples: examples}, 16, 3))
		assert.Equal(t, first, second)
	})

	t.Run("buffer of one passes through unchanged", func(t *testing.T) {
		out := drain(t, ShuffleBuffer(&sliceIter{examples: examples[:5]}, 1, 3))
		assert.Equal(t, examples[:5], out)
	})
}
