package config

import (
	"errors"
	"fmt"
	"strings"

	internal "github.com/QuagHien/translator-v3/translator"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Configuration errors are fatal and raised before any training work starts.
var (
	ErrNoTrainingData       = errors.New("no training data: set a train directory or a train dataset name")
	ErrConflictingTrainData = errors.New("train directory and train dataset name are mutually exclusive")
	ErrOutputDirRequired    = errors.New("output directory is required")
	ErrOutputDirNotEmpty    = errors.New("output directory already exists and is not empty; pass --overwrite-output-dir to overcome")
	ErrTokenizerFromScratch = errors.New("instantiating a new tokenizer from scratch is not supported; train and save one elsewhere and point --tokenizer-name at it")
	ErrNoModelSource        = errors.New("no model source: set a model name/path or a model type for a fresh config")
)

// ModelArguments selects the pretrained model, config and tokenizer sources.
type ModelArguments struct {
	ModelNameOrPath string `mapstructure:"model_name_or_path"`
	ConfigName      string `mapstructure:"config_name"`
	TokenizerName   string `mapstructure:"tokenizer_name"`
	ModelType       string `mapstructure:"model_type"`
	ConfigOverrides string `mapstructure:"config_overrides"`
	ModelRevision   string `mapstructure:"model_revision"`
	CacheDir        string `mapstructure:"cache_dir"`
	UseAuthToken    bool   `mapstructure:"use_auth_token"`
	AuthToken       string `mapstructure:"auth_token"`
	Quantize        bool   `mapstructure:"quantize"`
}

// DataArguments holds dataset paths, hub names and preprocessing limits.
type DataArguments struct {
	TrainDir              string `mapstructure:"train_dir"`
	ValidDir              string `mapstructure:"valid_dir"`
	DatasetNameTrain      string `mapstructure:"dataset_name_train"`
	DatasetNameValidation string `mapstructure:"dataset_name_validation"`
	LanguageA             string `mapstructure:"language_a"`
	LanguageB             string `mapstructure:"language_b"`
	MaxTrainSamples       int    `mapstructure:"max_train_samples"`
	MaxValidSamples       int    `mapstructure:"max_valid_samples"`
	MaxLen                int    `mapstructure:"max_len"`
	Streaming             bool   `mapstructure:"streaming"`
	DatasetNumWorkers     int    `mapstructure:"dataset_num_workers"`
	Dedup                 bool   `mapstructure:"dedup"`
	ShuffleBufferSize     int    `mapstructure:"shuffle_buffer_size"`
}

// TrainingArguments holds optimizer and loop hyperparameters.
type TrainingArguments struct {
	OutputDir               string  `mapstructure:"output_dir"`
	OverwriteOutputDir      bool    `mapstructure:"overwrite_output_dir"`
	ResumeFromCheckpoint    string  `mapstructure:"resume_from_checkpoint"`
	DoTrain                 bool    `mapstructure:"do_train"`
	DoEval                  bool    `mapstructure:"do_eval"`
	Seed                    int64   `mapstructure:"seed"`
	NumTrainEpochs          int     `mapstructure:"num_train_epochs"`
	MaxSteps                int     `mapstructure:"max_steps"`
	PerDeviceTrainBatchSize int     `mapstructure:"per_device_train_batch_size"`
	PerDeviceEvalBatchSize  int     `mapstructure:"per_device_eval_batch_size"`
	LearningRate            float64 `mapstructure:"learning_rate"`
	MinLearningRate         float64 `mapstructure:"min_learning_rate"`
	WeightDecay             float64 `mapstructure:"weight_decay"`
	WarmupSteps             int     `mapstructure:"warmup_steps"`
	DecaySteps              int     `mapstructure:"decay_steps"`
	MaxGradNorm             float64 `mapstructure:"max_grad_norm"`
	GradientCheckpointing   bool    `mapstructure:"gradient_checkpointing"`
	Optimizer               string  `mapstructure:"optimizer"`
	AdamBeta1               float64 `mapstructure:"adam_beta1"`
	AdamBeta2               float64 `mapstructure:"adam_beta2"`
	AdamEpsilon             float64 `mapstructure:"adam_epsilon"`
	LoggingSteps            int     `mapstructure:"logging_steps"`
	EvalSteps               int     `mapstructure:"eval_steps"`
	SaveSteps               int     `mapstructure:"save_steps"`
	DisableProgressBar      bool    `mapstructure:"disable_progress_bar"`
}

// LoraArguments configures the optional low-rank adaptation layer.
type LoraArguments struct {
	UseLora     bool    `mapstructure:"use_lora"`
	LoraR       int     `mapstructure:"lora_r"`
	LoraAlpha   float64 `mapstructure:"lora_alpha"`
	LoraDropout float64 `mapstructure:"lora_dropout"`
	LoraBias    string  `mapstructure:"lora_bias"`
	// TargetModules is a comma separated list of sublayer names. Empty means
	// resolve the list from the model architecture family.
	TargetModules string `mapstructure:"target_modules"`
	AttBlocks     bool   `mapstructure:"att_blocks"`
}

// Config groups the four argument sets. Immutable once loaded.
type Config struct {
	Model    ModelArguments    `mapstructure:"model"`
	Data     DataArguments     `mapstructure:"data"`
	Training TrainingArguments `mapstructure:"training"`
	Lora     LoraArguments     `mapstructure:"lora"`
}

// Load reads configuration from a single JSON file (when configPath is set),
// environment variables and bound command-line flags, in increasing priority.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix(strings.ToUpper(internal.DefaultAppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv alone leaves keys without a default invisible to
	// Unmarshal, so every key is bound explicitly.
	for _, key := range flagKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok && f.Changed {
				if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
					bindErr = err
				}
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.cache_dir", internal.DefaultCacheDir)

	v.SetDefault("data.language_a", "en")
	v.SetDefault("data.language_b", "vi")
	v.SetDefault("data.max_len", 128)
	v.SetDefault("data.dataset_num_workers", 1)
	v.SetDefault("data.shuffle_buffer_size", 10_000)

	v.SetDefault("training.do_train", true)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.num_train_epochs", 3)
	v.SetDefault("training.per_device_train_batch_size", 8)
	v.SetDefault("training.per_device_eval_batch_size", 8)
	v.SetDefault("training.learning_rate", 5e-5)
	v.SetDefault("training.min_learning_rate", 1e-6)
	v.SetDefault("training.weight_decay", 0.01)
	v.SetDefault("training.max_grad_norm", 1.0)
	v.SetDefault("training.optimizer", "adamw")
	v.SetDefault("training.adam_beta1", 0.9)
	v.SetDefault("training.adam_beta2", 0.999)
	v.SetDefault("training.adam_epsilon", 1e-8)
	v.SetDefault("training.logging_steps", 50)
	v.SetDefault("training.eval_steps", 500)
	v.SetDefault("training.save_steps", 500)

	v.SetDefault("lora.lora_r", 8)
	v.SetDefault("lora.lora_alpha", 16)
	v.SetDefault("lora.lora_dropout", 0.05)
	v.SetDefault("lora.lora_bias", "none")
}

// flagKeys maps CLI flag names onto viper configuration keys.
var flagKeys = map[string]string{
	"model-name-or-path":     "model.model_name_or_path",
	"config-name":            "model.config_name",
	"tokenizer-name":         "model.tokenizer_name",
	"model-type":             "model.model_type",
	"config-overrides":       "model.config_overrides",
	"model-revision":         "model.model_revision",
	"cache-dir":              "model.cache_dir",
	"use-auth-token":         "model.use_auth_token",
	"auth-token":             "model.auth_token",
	"quantize":               "model.quantize",
	"train-dir":              "data.train_dir",
	"valid-dir":              "data.valid_dir",
	"dataset-name-train":     "data.dataset_name_train",
	"dataset-name-valid":     "data.dataset_name_validation",
	"language-a":             "data.language_a",
	"language-b":             "data.language_b",
	"max-train-samples":      "data.max_train_samples",
	"max-valid-samples":      "data.max_valid_samples",
	"max-len":                "data.max_len",
	"streaming":              "data.streaming",
	"dataset-num-workers":    "data.dataset_num_workers",
	"dedup":                  "data.dedup",
	"output-dir":             "training.output_dir",
	"overwrite-output-dir":   "training.overwrite_output_dir",
	"resume-from":            "training.resume_from_checkpoint",
	"do-train":               "training.do_train",
	"do-eval":                "training.do_eval",
	"seed":                   "training.seed",
	"epochs":                 "training.num_train_epochs",
	"max-steps":              "training.max_steps",
	"train-batch-size":       "training.per_device_train_batch_size",
	"eval-batch-size":        "training.per_device_eval_batch_size",
	"learning-rate":          "training.learning_rate",
	"weight-decay":           "training.weight_decay",
	"warmup-steps":           "training.warmup_steps",
	"max-grad-norm":          "training.max_grad_norm",
	"gradient-checkpointing": "training.gradient_checkpointing",
	"optimizer":              "training.optimizer",
	"logging-steps":          "training.logging_steps",
	"eval-steps":             "training.eval_steps",
	"save-steps":             "training.save_steps",
	"no-progress":            "training.disable_progress_bar",
	"use-lora":               "lora.use_lora",
	"lora-r":                 "lora.lora_r",
	"lora-alpha":             "lora.lora_alpha",
	"lora-dropout":           "lora.lora_dropout",
	"lora-bias":              "lora.lora_bias",
	"target-modules":         "lora.target_modules",
	"att-blocks":             "lora.att_blocks",
}

// Validate checks cross-field constraints that must hold before a run starts.
func (c *Config) Validate() error {
	if c.Training.OutputDir == "" {
		return ErrOutputDirRequired
	}
	if c.Model.ModelNameOrPath == "" && c.Model.ModelType == "" {
		return ErrNoModelSource
	}
	if c.Model.ModelNameOrPath == "" && c.Model.TokenizerName == "" {
		return ErrTokenizerFromScratch
	}
	if c.Training.DoTrain {
		if c.Data.TrainDir == "" && c.Data.DatasetNameTrain == "" {
			return ErrNoTrainingData
		}
		if c.Data.TrainDir != "" && c.Data.DatasetNameTrain != "" {
			return ErrConflictingTrainData
		}
	}
	if c.Lora.UseLora && c.Training.GradientCheckpointing {
		return fmt.Errorf("cannot use gradient checkpointing with LoRA")
	}
	if c.Data.MaxLen <= 0 {
		return fmt.Errorf("max_len must be positive, got %d", c.Data.MaxLen)
	}
	return nil
}
