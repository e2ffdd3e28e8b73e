package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/QuagHien/translator-v3/translator/config"
	"github.com/QuagHien/translator-v3/translator/data"
	"github.com/QuagHien/translator-v3/translator/db"
	"github.com/QuagHien/translator-v3/translator/hub"
	"github.com/QuagHien/translator-v3/translator/model"
	"github.com/QuagHien/translator-v3/translator/tokenizer"
	"github.com/QuagHien/translator-v3/translator/training"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// labelPadMultiple keeps batch sequence lengths aligned for the collator.
const labelPadMultiple = 8

// NewFinetuneCommand creates the finetune command, the main entry point of
// the tool. All settings can come from a JSON config file given as the
// positional argument, from TRANSLATOR_* environment variables, or from
// flags, in increasing priority.
func NewFinetuneCommand(globalOpts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finetune [CONFIG.json]",
		Short: "Fine-tune a translation model on a bilingual corpus",
		Long: `Fine-tune a sequence-to-sequence translation model.

The training corpus is a set of sentence pairs with one column per language.
Each pair is used in both directions, so a single corpus trains en->vi and
vi->en at once.

Examples:

  translator finetune train_config.json
  translator finetune --model-name-or-path ./mt5-small --train-dir ./data \
      --output-dir ./out --use-lora --quantize`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := ""
			if len(args) == 1 {
				configPath = args[0]
			}
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runFinetune(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.String("model-name-or-path", "", "model name on the hub or local model directory")
	f.String("config-name", "", "model config source when different from the model")
	f.String("tokenizer-name", "", "tokenizer source when different from the model")
	f.String("model-type", "", "architecture family for training from scratch (t5, mt5, flan-t5, gpt2)")
	f.String("config-overrides", "", "comma separated config overrides, e.g. d_model=128,num_layers=2")
	f.String("model-revision", "", "model revision to download")
	f.String("cache-dir", "", "download cache directory")
	f.Bool("use-auth-token", false, "authenticate hub requests with the token from the environment")
	f.String("auth-token", "", "hub auth token")
	f.Bool("quantize", false, "round-trip base weights through 4-bit NF4")

	f.String("train-dir", "", "serialized dataset directory holding a train/ subset")
	f.String("valid-dir", "", "serialized dataset directory holding a validation/ subset")
	f.String("dataset-name-train", "", "hub dataset name for the train split")
	f.String("dataset-name-valid", "", "hub dataset name for the validation split")
	f.String("language-a", "en", "first language column")
	f.String("language-b", "vi", "second language column")
	f.Int("max-train-samples", 0, "cap on training pairs, 0 means all")
	f.Int("max-valid-samples", 0, "cap on validation pairs, 0 means all")
	f.Int("max-len", 128, "token length every example is padded or truncated to")
	f.Bool("streaming", false, "stream the hub train split instead of materializing it")
	f.Int("dataset-num-workers", 1, "parallel tokenization workers")
	f.Bool("dedup", false, "drop duplicate sentence pairs before augmentation")

	f.String("output-dir", "", "directory for checkpoints and the final model")
	f.Bool("overwrite-output-dir", false, "allow writing into a non-empty output directory")
	f.String("resume-from", "", "checkpoint directory to resume from")
	f.Bool("do-train", true, "run training")
	f.Bool("do-eval", false, "run evaluation")
	f.Int64("seed", 42, "seed for shuffling, initialization and dropout")
	f.Int("epochs", 3, "number of training epochs")
	f.Int("max-steps", 0, "hard cap on optimization steps, 0 means no cap")
	f.Int("train-batch-size", 8, "training batch size")
	f.Int("eval-batch-size", 8, "evaluation batch size")
	f.Float64("learning-rate", 5e-5, "peak learning rate")
	f.Float64("weight-decay", 0.01, "decoupled weight decay")
	f.Int("warmup-steps", 0, "linear warmup steps")
	f.Float64("max-grad-norm", 1.0, "gradient clipping norm, 0 disables")
	f.Bool("gradient-checkpointing", false, "recompute activations to save memory")
	f.String("optimizer", "adamw", "optimizer (adamw, sgd)")
	f.Int("logging-steps", 50, "steps between training log lines")
	f.Int("eval-steps", 500, "steps between evaluations")
	f.Int("save-steps", 500, "steps between checkpoints")
	f.Bool("no-progress", false, "disable the progress bar")

	f.Bool("use-lora", false, "attach low-rank adapters and freeze the base model")
	f.Int("lora-r", 8, "adapter rank")
	f.Float64("lora-alpha", 16, "adapter scaling numerator")
	f.Float64("lora-dropout", 0.05, "adapter input dropout")
	f.String("lora-bias", "none", "adapter bias mode")
	f.String("target-modules", "", "comma separated sublayers to adapt, empty resolves from the architecture")
	f.Bool("att-blocks", false, "adapt only the attention projections")

	return cmd
}

func runFinetune(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()

	resumeFrom, err := training.CheckOutputDir(cfg.Training)
	if err != nil {
		return err
	}

	authToken := cfg.Model.AuthToken
	if cfg.Model.UseAuthToken && authToken == "" {
		authToken = os.Getenv("HF_TOKEN")
	}
	hubClient := hub.New(cfg.Model.CacheDir, authToken)

	var modelDir string
	if cfg.Model.ModelNameOrPath != "" {
		modelDir, err = hubClient.EnsureModel(cfg.Model.ModelNameOrPath, cfg.Model.ModelRevision)
		if err != nil {
			return fmt.Errorf("model source: %w", err)
		}
	}

	tokDir := modelDir
	if cfg.Model.TokenizerName != "" {
		tokDir, err = hubClient.EnsureModel(cfg.Model.TokenizerName, "")
		if err != nil {
			return fmt.Errorf("tokenizer source: %w", err)
		}
	}
	if tokDir == "" {
		return config.ErrTokenizerFromScratch
	}
	tok, err := tokenizer.NewWordPiece(tokDir)
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}

	mcfg, err := resolveModelConfig(cfg, hubClient, modelDir)
	if err != nil {
		return err
	}
	alignWithTokenizer(mcfg, tok.Config())

	net, err := model.Build(mcfg, cfg.Training.Seed)
	if err != nil {
		return err
	}
	if modelDir != "" && fileExists(filepath.Join(modelDir, model.WeightsFileName)) {
		if err := model.LoadWeights(net, modelDir); err != nil {
			return fmt.Errorf("pretrained weights: %w", err)
		}
		slog.Info("Loaded pretrained weights", "dir", modelDir)
	}

	if _, err := model.QuantizeNetwork(net, model.QuantConfig{Enabled: cfg.Model.Quantize}); err != nil {
		return err
	}

	if cfg.Lora.UseLora {
		targets, err := model.ResolveTargetModules(net.Family(), cfg.Lora.TargetModules, cfg.Lora.AttBlocks)
		if err != nil {
			return err
		}
		lcfg := model.LoraConfig{
			R:             cfg.Lora.LoraR,
			Alpha:         cfg.Lora.LoraAlpha,
			Dropout:       cfg.Lora.LoraDropout,
			Bias:          cfg.Lora.LoraBias,
			TargetModules: targets,
			TaskType:      taskTypeFor(net.Family()),
		}
		if _, err := model.Attach(net, lcfg, cfg.Training.Seed); err != nil {
			return err
		}
	}

	collator := data.NewSeq2SeqCollator(tok.PadID(), labelPadMultiple)
	trainer, err := training.New(net, cfg.Training, collator)
	if err != nil {
		return err
	}
	if resumeFrom != "" {
		// Adapters are attached first so checkpoint tensor names line up.
		if err := model.LoadWeights(net, resumeFrom); err != nil {
			return fmt.Errorf("resume checkpoint: %w", err)
		}
		if err := trainer.Resume(resumeFrom); err != nil {
			return err
		}
	}

	processor := data.NewProcessor(tok, cfg.Data, cfg.Training.Seed, hubClient)
	splits, err := processor.Run(ctx)
	if err != nil {
		return err
	}

	if !cfg.Training.DoTrain {
		if cfg.Training.DoEval && splits.Validation != nil {
			loss, err := trainer.Evaluate(ctx, splits.Validation)
			if err != nil {
				return err
			}
			slog.Info("Evaluation complete", "loss", fmt.Sprintf("%.4f", loss))
		}
		return nil
	}

	registry := openRunRegistry()
	var runID uuid.UUID
	if registry != nil {
		defer registry.Close()
		runID, err = registry.CreateRun(cfg.Training.OutputDir, cfg.Model.ModelNameOrPath)
		if err != nil {
			slog.Warn("Failed to register run", "error", err)
			registry = nil
		}
	}

	result, err := trainer.Train(ctx, splits.Train, splits.Validation)
	if err != nil {
		if registry != nil {
			if ferr := registry.FailRun(runID, err); ferr != nil {
				slog.Warn("Failed to record run failure", "error", ferr)
			}
		}
		return err
	}
	if registry != nil {
		if cerr := registry.CompleteRun(runID, result.GlobalStep, result.TrainLoss); cerr != nil {
			slog.Warn("Failed to record run completion", "error", cerr)
		}
	}
	return nil
}

// resolveModelConfig picks the model configuration source in priority order:
// an explicit config name, the model directory, then a fresh config for the
// requested model type.
func resolveModelConfig(cfg *config.Config, hubClient *hub.Client, modelDir string) (*model.Config, error) {
	var mcfg *model.Config
	var err error
	switch {
	case cfg.Model.ConfigName != "":
		dir, derr := hubClient.EnsureModel(cfg.Model.ConfigName, "")
		if derr != nil {
			return nil, fmt.Errorf("config source: %w", derr)
		}
		mcfg, err = model.ConfigFromPretrained(dir)
	case modelDir != "":
		mcfg, err = model.ConfigFromPretrained(modelDir)
	default:
		mcfg, err = model.NewConfig(cfg.Model.ModelType)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Model.ConfigOverrides != "" {
		if err := mcfg.ApplyOverrides(cfg.Model.ConfigOverrides); err != nil {
			return nil, err
		}
	}
	return mcfg, nil
}

// alignWithTokenizer copies special-token IDs and the vocabulary size from
// the tokenizer into the model config so embeddings and labels agree. The
// vocabulary only ever grows: the embedding table must cover every ID the
// tokenizer can emit, while shrinking it would orphan pretrained rows.
func alignWithTokenizer(mcfg *model.Config, tcfg tokenizer.Config) {
	if tcfg.VocabSize > mcfg.VocabSize {
		mcfg.VocabSize = tcfg.VocabSize
	}
	if tcfg.PadTokenID >= 0 {
		mcfg.PadTokenID = tcfg.PadTokenID
	}
	if tcfg.EosTokenID >= 0 {
		mcfg.EosTokenID = tcfg.EosTokenID
	}
}

func taskTypeFor(fam model.Family) model.TaskType {
	if fam.Kind == model.KindCausal {
		return model.TaskCausalLM
	}
	return model.TaskSeq2SeqLM
}

// openRunRegistry opens the local run registry. The registry is an aid, not
// a requirement, so failures degrade to a warning.
func openRunRegistry() *db.RunsProvider {
	registry, err := db.NewRunsProvider()
	if err != nil {
		slog.Warn("Run registry unavailable", "error", err)
		return nil
	}
	return registry
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
