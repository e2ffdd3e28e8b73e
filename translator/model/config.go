package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config carries the hyperparameters a network is built from. It is read
// from and written to config.json inside a model directory.
type Config struct {
	Architecture        string `json:"architecture"`
	VocabSize           int    `json:"vocab_size"`
	DModel              int    `json:"d_model"`
	DFF                 int    `json:"d_ff"`
	NumLayers           int    `json:"num_layers"`
	MaxPositions        int    `json:"max_positions"`
	PadTokenID          int    `json:"pad_token_id"`
	EosTokenID          int    `json:"eos_token_id"`
	DecoderStartTokenID int    `json:"decoder_start_token_id"`
}

// NewConfig builds a fresh config for the named architecture family, sized
// for small-scale fine-tuning experiments. Callers override fields through
// ApplyOverrides.
func NewConfig(modelType string) (*Config, error) {
	fam, err := ResolveFamily(modelType)
	if err != nil {
		return nil, err
	}
	return &Config{
		Architecture:        fam.Name,
		VocabSize:           32_000,
		DModel:              256,
		DFF:                 1024,
		NumLayers:           4,
		MaxPositions:        512,
		PadTokenID:          0,
		EosTokenID:          1,
		DecoderStartTokenID: 0,
	}, nil
}

// ConfigFromPretrained reads config.json from a model directory.
func ConfigFromPretrained(dir string) (*Config, error) {
	path := filepath.Join(dir, "config.json")
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config as config.json into dir.
func (c *Config) Save(dir string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), append(b, '\n'), 0o644)
}

// Validate rejects configs a network cannot be built from.
func (c *Config) Validate() error {
	if _, err := ResolveFamily(c.Architecture); err != nil {
		return err
	}
	if c.VocabSize <= 0 || c.DModel <= 0 || c.DFF <= 0 || c.NumLayers <= 0 || c.MaxPositions <= 0 {
		return fmt.Errorf("invalid model config: vocab_size=%d d_model=%d d_ff=%d num_layers=%d max_positions=%d",
			c.VocabSize, c.DModel, c.DFF, c.NumLayers, c.MaxPositions)
	}
	// Special-token IDs index the embedding table, so they must fit in it.
	for _, tok := range []struct {
		name string
		id   int
	}{
		{"pad_token_id", c.PadTokenID},
		{"eos_token_id", c.EosTokenID},
		{"decoder_start_token_id", c.DecoderStartTokenID},
	} {
		if tok.id < 0 || tok.id >= c.VocabSize {
			return fmt.Errorf("invalid model config: %s=%d does not fit vocab_size=%d", tok.name, tok.id, c.VocabSize)
		}
	}
	return nil
}

// ApplyOverrides updates fields from a "key=value,key=value" string, the
// escape hatch used when building a config from scratch.
func (c *Config) ApplyOverrides(overrides string) error {
	if overrides == "" {
		return nil
	}
	for _, part := range strings.Split(overrides, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("malformed config override %q (want key=value)", part)
		}
		key, val := kv[0], kv[1]
		if key == "architecture" {
			c.Architecture = val
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config override %s: %w", key, err)
		}
		switch key {
		case "vocab_size":
			c.VocabSize = n
		case "d_model":
			c.DModel = n
		case "d_ff":
			c.DFF = n
		case "num_layers":
			c.NumLayers = n
		case "max_positions":
			c.MaxPositions = n
		case "pad_token_id":
			c.PadTokenID = n
		case "eos_token_id":
			c.EosTokenID = n
		case "decoder_start_token_id":
			c.DecoderStartTokenID = n
		default:
			return fmt.Errorf("unknown config override key %q", key)
		}
	}
	return nil
}
