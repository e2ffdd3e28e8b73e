package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests loading and validation of the training configuration
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	tempDir, err := os.MkdirTemp("", "translator-config-test-*")
	require.NoError(suite.T(), err)
	suite.tempDir = tempDir
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.tempDir != "" {
		os.RemoveAll(suite.tempDir)
	}
}

func (suite *ConfigTestSuite) TestLoadDefaults() {
	cfg, err := Load("", nil)

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)
	assert.Equal(suite.T(), "en", cfg.Data.LanguageA)
	assert.Equal(suite.T(), "vi", cfg.Data.LanguageB)
	assert.Equal(suite.T(), 128, cfg.Data.MaxLen)
	assert.Equal(suite.T(), 10_000, cfg.Data.ShuffleBufferSize)
	assert.Equal(suite.T(), int64(42), cfg.Training.Seed)
	assert.Equal(suite.T(), 5e-5, cfg.Training.LearningRate)
	assert.Equal(suite.T(), 8, cfg.Lora.LoraR)
	assert.True(suite.T(), cfg.Training.DoTrain)
}

func (suite *ConfigTestSuite) TestLoadFromJSONFile() {
	configPath := filepath.Join(suite.tempDir, "train.json")
	content := `{
		"model": {"model_name_or_path": "./mt5-small", "quantize": true},
		"data": {"train_dir": "./data", "max_len": 64},
		"training": {"output_dir": "./out", "num_train_epochs": 5},
		"lora": {"use_lora": true, "lora_r": 16}
	}`
	require.NoError(suite.T(), os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := Load(configPath, nil)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "./mt5-small", cfg.Model.ModelNameOrPath)
	assert.True(suite.T(), cfg.Model.Quantize)
	assert.Equal(suite.T(), 64, cfg.Data.MaxLen)
	assert.Equal(suite.T(), 5, cfg.Training.NumTrainEpochs)
	assert.True(suite.T(), cfg.Lora.UseLora)
	assert.Equal(suite.T(), 16, cfg.Lora.LoraR)
	// untouched keys keep their defaults
	assert.Equal(suite.T(), "en", cfg.Data.LanguageA)
}

func (suite *ConfigTestSuite) TestFlagsOverrideFile() {
	configPath := filepath.Join(suite.tempDir, "train.json")
	content := `{"data": {"max_len": 64}, "training": {"output_dir": "./out"}}`
	require.NoError(suite.T(), os.WriteFile(configPath, []byte(content), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-len", 128, "")
	flags.String("output-dir", "", "")
	require.NoError(suite.T(), flags.Parse([]string{"--max-len", "96"}))

	cfg, err := Load(configPath, flags)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 96, cfg.Data.MaxLen, "changed flag should win over the file")
	assert.Equal(suite.T(), "./out", cfg.Training.OutputDir, "unchanged flag should not mask the file")
}

func (suite *ConfigTestSuite) TestLoadMissingFileFails() {
	_, err := Load(filepath.Join(suite.tempDir, "nope.json"), nil)
	assert.Error(suite.T(), err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("keys without defaults are read from the environment", func(t *testing.T) {
		t.Setenv("TRANSLATOR_MODEL_MODEL_NAME_OR_PATH", "./env-model")
		t.Setenv("TRANSLATOR_TRAINING_OUTPUT_DIR", "./env-out")

		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.Equal(t, "./env-model", cfg.Model.ModelNameOrPath)
		assert.Equal(t, "./env-out", cfg.Training.OutputDir)
	})

	t.Run("environment beats defaults", func(t *testing.T) {
		t.Setenv("TRANSLATOR_DATA_MAX_LEN", "64")

		cfg, err := Load("", nil)
		require.NoError(t, err)
		assert.Equal(t, 64, cfg.Data.MaxLen)
	})

	t.Run("changed flags beat the environment", func(t *testing.T) {
		t.Setenv("TRANSLATOR_TRAINING_OUTPUT_DIR", "./env-out")

		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.String("output-dir", "", "")
		require.NoError(t, flags.Set("output-dir", "./flag-out"))

		cfg, err := Load("", flags)
		require.NoError(t, err)
		assert.Equal(t, "./flag-out", cfg.Training.OutputDir)
	})
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Model.ModelNameOrPath = "./model"
	cfg.Data.TrainDir = "./data"
	cfg.Data.MaxLen = 128
	cfg.Training.OutputDir = "./out"
	cfg.Training.DoTrain = true
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("missing output dir", func(t *testing.T) {
		cfg := validConfig()
		cfg.Training.OutputDir = ""
		assert.ErrorIs(t, cfg.Validate(), ErrOutputDirRequired)
	})

	t.Run("no model source", func(t *testing.T) {
		cfg := validConfig()
		cfg.Model.ModelNameOrPath = ""
		assert.ErrorIs(t, cfg.Validate(), ErrNoModelSource)
	})

	t.Run("tokenizer from scratch", func(t *testing.T) {
		cfg := validConfig()
		cfg.Model.ModelNameOrPath = ""
		cfg.Model.ModelType = "t5"
		assert.ErrorIs(t, cfg.Validate(), ErrTokenizerFromScratch)
	})

	t.Run("no training data", func(t *testing.T) {
		cfg := validConfig()
		cfg.Data.TrainDir = ""
		assert.ErrorIs(t, cfg.Validate(), ErrNoTrainingData)
	})

	t.Run("conflicting training data", func(t *testing.T) {
		cfg := validConfig()
		cfg.Data.DatasetNameTrain = "some/dataset"
		assert.ErrorIs(t, cfg.Validate(), ErrConflictingTrainData)
	})

	t.Run("eval only needs no training data", func(t *testing.T) {
		cfg := validConfig()
		cfg.Training.DoTrain = false
		cfg.Data.TrainDir = ""
		assert.NoError(t, cfg.Validate())
	})

	t.Run("lora with gradient checkpointing", func(t *testing.T) {
		cfg := validConfig()
		cfg.Lora.UseLora = true
		cfg.Training.GradientCheckpointing = true
		assert.Error(t, cfg.Validate())
	})
}
