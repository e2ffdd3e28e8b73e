package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnsupported indicates the tokenizer could not be initialized
var ErrUnsupported = errors.New("unsupported tokenizer configuration")

// Tokenizer converts raw text to fixed-length token IDs and attention masks.
type Tokenizer interface {
	// Encode encodes a single sentence into exactly maxLen token IDs with a
	// matching attention mask (1 for real tokens, 0 for padding).
	Encode(text string, maxLen int) (ids []int, attentionMask []int, err error)

	// Decode converts token IDs back to text. If skipSpecial is true,
	// padding and other special tokens are removed first.
	Decode(ids []int, skipSpecial bool) (string, error)

	// PadID returns the padding token ID.
	PadID() int
}

// Config holds the special-token and length settings read from a model's
// tokenizer_config.json. Zero values are filled in by Normalize.
type Config struct {
	VocabSize      int    `json:"vocab_size"`
	EosTokenID     int    `json:"eos_token_id"`
	BosTokenID     int    `json:"bos_token_id"`
	PadTokenID     int    `json:"pad_token_id"`
	UnkTokenID     int    `json:"unk_token_id"`
	ModelMaxLength int    `json:"model_max_length"`
	PaddingSide    string `json:"padding_side"`
}

// DefaultConfig returns a Config with unset token IDs marked as -1 so that
// Normalize can distinguish "missing" from the valid ID 0.
func DefaultConfig() Config {
	return Config{
		EosTokenID: -1,
		BosTokenID: -1,
		PadTokenID: -1,
		UnkTokenID: -1,
	}
}

// Normalize fills defaults for fields the config file left unset. The PAD
// token falls back to EOS, matching the fp16 fix applied at model load.
func (c *Config) Normalize() {
	if c.ModelMaxLength == 0 {
		c.ModelMaxLength = 512
	}
	if c.PaddingSide == "" {
		c.PaddingSide = "right"
	}
	if c.PadTokenID < 0 && c.EosTokenID >= 0 {
		c.PadTokenID = c.EosTokenID
	}
	if c.PadTokenID < 0 {
		c.PadTokenID = 0
	}
	if c.BosTokenID < 0 {
		c.BosTokenID = c.EosTokenID
	}
}

// LoadConfig reads tokenizer_config.json from dir. A missing file yields the
// normalized defaults rather than an error; a malformed file does not.
func LoadConfig(dir string) (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(dir, "tokenizer_config.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Normalize()
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// FitToLength pads or truncates ids and mask to exactly maxLen. Padding goes
// on the right with padID; the mask is 1 over kept tokens and 0 over padding.
func FitToLength(ids []int, maxLen, padID int) (fitted []int, mask []int) {
	fitted = make([]int, maxLen)
	mask = make([]int, maxLen)
	n := len(ids)
	if n > maxLen {
		n = maxLen
	}
	for i := 0; i < n; i++ {
		fitted[i] = ids[i]
		mask[i] = 1
	}
	for i := n; i < maxLen; i++ {
		fitted[i] = padID
	}
	return fitted, mask
}
