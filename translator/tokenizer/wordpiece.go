package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// WordPiece wraps a sugarme/tokenizer WordPiece model behind the Tokenizer
// interface. It loads vocab.txt from a local model directory (typically one
// resolved through the hub cache).
type WordPiece struct {
	t   *tk.Tokenizer
	cfg Config
}

var _ Tokenizer = (*WordPiece)(nil)

// NewWordPiece builds a WordPiece tokenizer from a model directory containing
// vocab.txt and, optionally, tokenizer_config.json.
func NewWordPiece(dir string) (*WordPiece, error) {
	vocabFile := filepath.Join(dir, "vocab.txt")
	if fi, err := os.Stat(vocabFile); err != nil || fi.IsDir() {
		return nil, fmt.Errorf("%w: vocab.txt not found in %s", ErrUnsupported, dir)
	}

	wp, err := wordpiece.NewWordPieceFromFile(vocabFile, "[UNK]")
	if err != nil {
		return nil, fmt.Errorf("failed to load vocab %s: %w", vocabFile, err)
	}

	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	// tokenizer_config.json rarely records the vocabulary size; the loaded
	// model always knows it, and the embedding table must cover every ID
	// the vocabulary can emit.
	if n := t.GetVocabSize(true); n > cfg.VocabSize {
		cfg.VocabSize = n
	}
	t.WithTruncation(&tk.TruncationParams{MaxLength: cfg.ModelMaxLength})
	t.WithPadding(&tk.PaddingParams{})

	return &WordPiece{t: t, cfg: cfg}, nil
}

// Config returns the tokenizer configuration loaded at construction.
func (w *WordPiece) Config() Config { return w.cfg }

func (w *WordPiece) PadID() int { return w.cfg.PadTokenID }

// Encode tokenizes text and enforces a fixed-length output.
func (w *WordPiece) Encode(text string, maxLen int) ([]int, []int, error) {
	enc, err := w.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), true)
	if err != nil {
		return nil, nil, fmt.Errorf("encode failed: %w", err)
	}
	ids, mask := FitToLength(enc.GetIds(), maxLen, w.cfg.PadTokenID)
	return ids, mask, nil
}

// Decode converts token IDs back to text.
func (w *WordPiece) Decode(ids []int, skipSpecial bool) (string, error) {
	kept := ids
	if skipSpecial {
		kept = make([]int, 0, len(ids))
		for _, id := range ids {
			if id == w.cfg.PadTokenID || id == w.cfg.EosTokenID || id == w.cfg.BosTokenID {
				continue
			}
			kept = append(kept, id)
		}
	}
	return w.t.Decode(kept, skipSpecial), nil
}
