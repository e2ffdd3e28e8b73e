package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/QuagHien/translator-v3/translator"
	"github.com/QuagHien/translator-v3/translator/config"
	"github.com/QuagHien/translator-v3/translator/data"
	"github.com/QuagHien/translator-v3/translator/model"

	"github.com/ZanzyTHEbar/assert-lib"
	"github.com/schollz/progressbar/v2"
)

// TrainerStateFileName records loop progress inside each checkpoint so a run
// can resume where it stopped.
const TrainerStateFileName = "trainer_state.json"

// TrainerState is the loop progress persisted alongside checkpoint weights.
type TrainerState struct {
	GlobalStep int     `json:"global_step"`
	Epoch      int     `json:"epoch"`
	TrainLoss  float64 `json:"train_loss"`
}

// Result summarizes a completed training run.
type Result struct {
	GlobalStep int
	Epochs     int
	TrainLoss  float64
	EvalLoss   float64
	Runtime    time.Duration
}

// CheckOutputDir enforces the output-directory contract before training: a
// non-empty output dir without checkpoints is refused unless overwriting was
// requested, and one holding checkpoints resumes from the latest when no
// explicit resume path was given. Returns the checkpoint path to resume from,
// empty when starting fresh.
func CheckOutputDir(args config.TrainingArguments) (string, error) {
	if args.ResumeFromCheckpoint != "" {
		return args.ResumeFromCheckpoint, nil
	}
	if !args.DoTrain || args.OverwriteOutputDir {
		return "", nil
	}
	entries, err := os.ReadDir(args.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect output directory: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	ckpt, step, err := model.LastCheckpoint(args.OutputDir)
	if errors.Is(err, model.ErrNoCheckpoint) {
		return "", fmt.Errorf("%w: %s", config.ErrOutputDirNotEmpty, args.OutputDir)
	}
	if err != nil {
		return "", err
	}
	slog.Info("Checkpoint detected, resuming training from it. To start fresh, change output_dir or pass --overwrite-output-dir.",
		"checkpoint", ckpt, "step", step)
	return ckpt, nil
}

// ErrTokenOutOfRange reports a token ID the embedding table cannot hold,
// usually a model config whose vocab_size disagrees with the tokenizer.
var ErrTokenOutOfRange = errors.New("token id outside the model vocabulary")

// Trainer drives the optimization loop over tokenized splits.
type Trainer struct {
	net      model.Network
	args     config.TrainingArguments
	collator *data.Seq2SeqCollator
	opt      Optimizer
	asserts  *assert.AssertHandler

	startStep int
}

func New(net model.Network, args config.TrainingArguments, collator *data.Seq2SeqCollator) (*Trainer, error) {
	var opt Optimizer
	switch strings.ToLower(args.Optimizer) {
	case "", "adamw":
		opt = NewAdamW(args.LearningRate, args.AdamBeta1, args.AdamBeta2, args.AdamEpsilon, args.WeightDecay)
	case "sgd":
		opt = NewSGD(args.LearningRate)
	default:
		return nil, fmt.Errorf("unknown optimizer %q (supported: adamw, sgd)", args.Optimizer)
	}
	return &Trainer{
		net:      net,
		args:     args,
		collator: collator,
		opt:      opt,
		asserts:  assert.NewAssertHandler(),
	}, nil
}

// Resume points the trainer at a checkpoint directory. Weights must already
// be loaded by the caller; the trainer only restores loop progress.
func (t *Trainer) Resume(checkpointDir string) error {
	raw, err := os.ReadFile(filepath.Join(checkpointDir, TrainerStateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			// Checkpoint without state, keep the weights and restart the loop.
			slog.Warn("Checkpoint has no trainer state, restarting step counter", "checkpoint", checkpointDir)
			return nil
		}
		return fmt.Errorf("failed to read trainer state: %w", err)
	}
	var state TrainerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("failed to decode trainer state: %w", err)
	}
	t.startStep = state.GlobalStep
	return nil
}

// checkVocabBounds rejects datasets carrying token IDs the network's
// embedding table cannot index before any forward pass runs.
func (t *Trainer) checkVocabBounds(split string, ds *data.TokenizedDataset) error {
	vocab := t.net.Config().VocabSize
	for i := 0; i < ds.Len(); i++ {
		ex := ds.At(i)
		for _, id := range ex.InputIDs {
			if id < 0 || id >= vocab {
				return fmt.Errorf("%w: %s example %d has input id %d, vocab_size is %d", ErrTokenOutOfRange, split, i, id, vocab)
			}
		}
		for _, id := range ex.Labels {
			if id == internal.IgnoreIndex {
				continue
			}
			if id < 0 || id >= vocab {
				return fmt.Errorf("%w: %s example %d has label %d, vocab_size is %d", ErrTokenOutOfRange, split, i, id, vocab)
			}
		}
	}
	return nil
}

func (t *Trainer) totalSteps(trainLen int) int {
	bs := t.args.PerDeviceTrainBatchSize
	stepsPerEpoch := (trainLen + bs - 1) / bs
	total := t.args.NumTrainEpochs * stepsPerEpoch
	if t.args.MaxSteps > 0 && t.args.MaxSteps < total {
		total = t.args.MaxSteps
	}
	return total
}

// Train runs the full optimization loop and writes the final model into the
// output directory. eval may be nil.
func (t *Trainer) Train(ctx context.Context, train, eval *data.TokenizedDataset) (*Result, error) {
	if train == nil || train.Len() == 0 {
		return nil, errors.New("training dataset is empty")
	}
	if err := t.checkVocabBounds("train", train); err != nil {
		return nil, err
	}
	if eval != nil {
		if err := t.checkVocabBounds("eval", eval); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	bs := t.args.PerDeviceTrainBatchSize
	total := t.totalSteps(train.Len())
	sched := &LRScheduler{
		BaseLR:      t.args.LearningRate,
		MinLR:       t.args.MinLearningRate,
		WarmupSteps: t.args.WarmupSteps,
		DecaySteps:  t.args.DecaySteps,
		TotalSteps:  total,
	}

	trainable, all := model.TrainableParameterReport(t.net.Parameters())
	slog.Info("Starting training",
		"examples", train.Len(),
		"epochs", t.args.NumTrainEpochs,
		"batch_size", bs,
		"total_steps", total,
		"trainable_params", trainable,
		"all_params", all)

	var bar *progressbar.ProgressBar
	if !t.args.DisableProgressBar {
		bar = progressbar.New(total)
	}

	params := t.net.Parameters()
	globalStep := 0
	runningLoss := 0.0
	lossWindow := 0
	lastLoss := 0.0
	lastEval := 0.0

	model.SetTrainingMode(t.net, true)
	defer model.SetTrainingMode(t.net, false)

	epoch := 0
loop:
	for ; epoch < t.args.NumTrainEpochs; epoch++ {
		order := rand.New(rand.NewSource(t.args.Seed + int64(epoch))).Perm(train.Len())
		for lo := 0; lo < len(order); lo += bs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if globalStep >= total {
				break loop
			}
			globalStep++
			if globalStep <= t.startStep {
				continue // replay the data order without recomputing
			}

			hi := lo + bs
			if hi > len(order) {
				hi = len(order)
			}
			examples := make([]data.TokenizedExample, 0, hi-lo)
			for _, idx := range order[lo:hi] {
				examples = append(examples, train.At(idx))
			}
			batch, err := t.collator.Collate(examples)
			if err != nil {
				return nil, err
			}
			t.asserts.Assert(ctx, batch.Size() == len(batch.Labels), "collated batch rows must align with labels")

			batchLoss := 0.0
			for i := 0; i < batch.Size(); i++ {
				batchLoss += t.net.LossAndGrad(batch.InputIDs[i], batch.AttentionMask[i], batch.Labels[i])
			}
			batchLoss /= float64(batch.Size())
			scaleGradients(params, 1/float64(batch.Size()))

			if t.args.MaxGradNorm > 0 {
				model.ClipGradients(params, t.args.MaxGradNorm)
			}
			t.opt.SetLR(sched.At(globalStep - 1))
			t.opt.Step(params)
			zeroGradients(params)

			runningLoss += batchLoss
			lossWindow++
			lastLoss = batchLoss
			if bar != nil {
				_ = bar.Add(1)
			}

			if t.args.LoggingSteps > 0 && globalStep%t.args.LoggingSteps == 0 {
				slog.Info("train",
					"step", globalStep,
					"epoch", epoch,
					"loss", fmt.Sprintf("%.4f", runningLoss/float64(lossWindow)),
					"lr", fmt.Sprintf("%.2e", t.opt.LR()))
				runningLoss, lossWindow = 0, 0
			}
			if t.args.DoEval && eval != nil && t.args.EvalSteps > 0 && globalStep%t.args.EvalSteps == 0 {
				evalLoss, err := t.Evaluate(ctx, eval)
				if err != nil {
					return nil, err
				}
				lastEval = evalLoss
				slog.Info("eval", "step", globalStep, "loss", fmt.Sprintf("%.4f", evalLoss))
				model.SetTrainingMode(t.net, true)
			}
			if t.args.SaveSteps > 0 && globalStep%t.args.SaveSteps == 0 {
				if err := t.saveCheckpoint(globalStep, epoch, lastLoss); err != nil {
					return nil, err
				}
			}
		}
	}

	if bar != nil {
		_ = bar.Finish()
	}

	if t.args.DoEval && eval != nil {
		evalLoss, err := t.Evaluate(ctx, eval)
		if err != nil {
			return nil, err
		}
		lastEval = evalLoss
	}

	if err := t.SaveModel(); err != nil {
		return nil, err
	}

	res := &Result{
		GlobalStep: globalStep,
		Epochs:     epoch,
		TrainLoss:  lastLoss,
		EvalLoss:   lastEval,
		Runtime:    time.Since(start),
	}
	slog.Info("Training complete",
		"steps", res.GlobalStep,
		"train_loss", fmt.Sprintf("%.4f", res.TrainLoss),
		"runtime", res.Runtime.Round(time.Second))
	return res, nil
}

// Evaluate computes the mean loss over the evaluation split without touching
// gradients.
func (t *Trainer) Evaluate(ctx context.Context, eval *data.TokenizedDataset) (float64, error) {
	if eval == nil || eval.Len() == 0 {
		return 0, errors.New("evaluation dataset is empty")
	}
	if err := t.checkVocabBounds("eval", eval); err != nil {
		return 0, err
	}
	model.SetTrainingMode(t.net, false)

	bs := t.args.PerDeviceEvalBatchSize
	if bs <= 0 {
		bs = 1
	}
	totalLoss := 0.0
	batches := 0
	for lo := 0; lo < eval.Len(); lo += bs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hi := lo + bs
		if hi > eval.Len() {
			hi = eval.Len()
		}
		examples := make([]data.TokenizedExample, 0, hi-lo)
		for i := lo; i < hi; i++ {
			examples = append(examples, eval.At(i))
		}
		batch, err := t.collator.Collate(examples)
		if err != nil {
			return 0, err
		}
		batchLoss := 0.0
		for i := 0; i < batch.Size(); i++ {
			batchLoss += t.net.Loss(batch.InputIDs[i], batch.AttentionMask[i], batch.Labels[i])
		}
		totalLoss += batchLoss / float64(batch.Size())
		batches++
	}
	return totalLoss / float64(batches), nil
}

func (t *Trainer) saveCheckpoint(step, epoch int, loss float64) error {
	dir := model.CheckpointDir(t.args.OutputDir, step)
	if err := model.SavePretrained(t.net, dir); err != nil {
		return err
	}
	state := TrainerState{GlobalStep: step, Epoch: epoch, TrainLoss: loss}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, TrainerStateFileName), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write trainer state: %w", err)
	}
	slog.Info("Saved checkpoint", "dir", dir)
	return nil
}

// SaveModel folds any adapters into the base weights and writes the final
// model into the output directory.
func (t *Trainer) SaveModel() error {
	model.MergeAdapters(t.net)
	if err := model.SavePretrained(t.net, t.args.OutputDir); err != nil {
		return err
	}
	slog.Info("Saved model", "dir", t.args.OutputDir)
	return nil
}

func scaleGradients(params []*model.Tensor, s float64) {
	for _, p := range params {
		if p.Frozen {
			continue
		}
		for i := range p.Grad {
			p.Grad[i] *= s
		}
	}
}

func zeroGradients(params []*model.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
