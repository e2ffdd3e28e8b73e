package data

import (
	"errors"

	internal "github.com/QuagHien/translator-v3/translator"
)

// ErrEmptyBatch is returned when a collator receives no examples.
var ErrEmptyBatch = errors.New("cannot collate an empty batch")

// Batch is a rectangular group of examples ready for a training step.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Labels        [][]int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.InputIDs) }

// SeqLen returns the padded sequence length shared by every example.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Seq2SeqCollator pads a group of tokenized examples to a common length
// rounded up to a configured multiple, so downstream matrix shapes stay
// aligned. Inputs pad with the PAD id, masks with 0 and labels with the
// ignore sentinel.
type Seq2SeqCollator struct {
	PadID           int
	PadToMultipleOf int
}

func NewSeq2SeqCollator(padID, padToMultipleOf int) *Seq2SeqCollator {
	return &Seq2SeqCollator{PadID: padID, PadToMultipleOf: padToMultipleOf}
}

func (c *Seq2SeqCollator) Collate(examples []TokenizedExample) (*Batch, error) {
	if len(examples) == 0 {
		return nil, ErrEmptyBatch
	}

	maxLen := 0
	for _, ex := range examples {
		if len(ex.InputIDs) > maxLen {
			maxLen = len(ex.InputIDs)
		}
		if len(ex.Labels) > maxLen {
			maxLen = len(ex.Labels)
		}
	}
	if c.PadToMultipleOf > 1 && maxLen%c.PadToMultipleOf != 0 {
		maxLen += c.PadToMultipleOf - maxLen%c.PadToMultipleOf
	}

	batch := &Batch{
		InputIDs:      make([][]int, len(examples)),
		AttentionMask: make([][]int, len(examples)),
		Labels:        make([][]int, len(examples)),
	}
	for i, ex := range examples {
		batch.InputIDs[i] = padTo(ex.InputIDs, maxLen, c.PadID)
		batch.AttentionMask[i] = padTo(ex.AttentionMask, maxLen, 0)
		batch.Labels[i] = padTo(ex.Labels, maxLen, internal.IgnoreIndex)
	}
	return batch, nil
}

func padTo(xs []int, n, fill int) []int {
	out := make([]int, n)
	copy(out, xs)
	for i := len(xs); i < n; i++ {
		out[i] = fill
	}
	return out
}
