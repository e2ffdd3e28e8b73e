package training

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	internal "github.com/QuagHien/translator-v3/translator"
	"github.com/QuagHien/translator-v3/translator/config"
	"github.com/QuagHien/translator-v3/translator/data"
	"github.com/QuagHien/translator-v3/translator/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyNet(t *testing.T) model.Network {
	t.Helper()
	cfg := &model.Config{
		Architecture:        "t5",
		VocabSize:           16,
		DModel:              8,
		DFF:                 16,
		NumLayers:           1,
		MaxPositions:        32,
		PadTokenID:          0,
		EosTokenID:          1,
		DecoderStartTokenID: 0,
	}
	net, err := model.Build(cfg, 1)
	require.NoError(t, err)
	return net
}

func tinySplit(n int) *data.TokenizedDataset {
	examples := make([]data.TokenizedExample, n)
	for i := range examples {
		examples[i] = data.TokenizedExample{
			InputIDs:      []int{4 + i%4, 5, 6, 1},
			AttentionMask: []int{1, 1, 1, 1},
			Labels:        []int{7, 8, 1, internal.IgnoreIndex},
		}
	}
	return data.NewTokenizedDataset(examples)
}

func trainArgs(outputDir string) config.TrainingArguments {
	return config.TrainingArguments{
		OutputDir:               outputDir,
		DoTrain:                 true,
		Seed:                    42,
		NumTrainEpochs:          2,
		PerDeviceTrainBatchSize: 2,
		PerDeviceEvalBatchSize:  2,
		LearningRate:            1e-2,
		MaxGradNorm:             1.0,
		Optimizer:               "adamw",
		AdamBeta1:               0.9,
		AdamBeta2:               0.999,
		AdamEpsilon:             1e-8,
		DisableProgressBar:      true,
	}
}

func TestCheckOutputDir(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "translator-trainer-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	t.Run("missing dir starts fresh", func(t *testing.T) {
		args := trainArgs(filepath.Join(tempDir, "new"))
		resume, err := CheckOutputDir(args)
		require.NoError(t, err)
		assert.Empty(t, resume)
	})

	t.Run("empty dir starts fresh", func(t *testing.T) {
		dir := filepath.Join(tempDir, "empty")
		require.NoError(t, os.Mkdir(dir, 0o755))
		resume, err := CheckOutputDir(trainArgs(dir))
		require.NoError(t, err)
		assert.Empty(t, resume)
	})

	t.Run("non-empty dir without checkpoints is refused", func(t *testing.T) {
		dir := filepath.Join(tempDir, "dirty")
		require.NoError(t, os.Mkdir(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o644))

		_, err := CheckOutputDir(trainArgs(dir))
		assert.ErrorIs(t, err, config.ErrOutputDirNotEmpty)
	})

	t.Run("overwrite bypasses the check", func(t *testing.T) {
		dir := filepath.Join(tempDir, "dirty")
		args := trainArgs(dir)
		args.OverwriteOutputDir = true
		resume, err := CheckOutputDir(args)
		require.NoError(t, err)
		assert.Empty(t, resume)
	})

	t.Run("checkpoint dir resumes from the latest", func(t *testing.T) {
		dir := filepath.Join(tempDir, "resumable")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "checkpoint-3"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "checkpoint-12"), 0o755))

		resume, err := CheckOutputDir(trainArgs(dir))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "checkpoint-12"), resume)
	})

	t.Run("explicit resume path wins", func(t *testing.T) {
		args := trainArgs(filepath.Join(tempDir, "whatever"))
		args.ResumeFromCheckpoint = "/some/checkpoint-7"
		resume, err := CheckOutputDir(args)
		require.NoError(t, err)
		assert.Equal(t, "/some/checkpoint-7", resume)
	})
}

func TestLRScheduler(t *testing.T) {
	s := &LRScheduler{BaseLR: 1.0, MinLR: 0.1, WarmupSteps: 10, TotalSteps: 110}

	t.Run("ramps up during warmup", func(t *testing.T) {
		assert.InDelta(t, 0.1, s.At(0), 1e-9)
		assert.InDelta(t, 0.5, s.At(4), 1e-9)
		assert.InDelta(t, 1.0, s.At(10), 1e-9)
	})

	t.Run("decays to the floor", func(t *testing.T) {
		assert.InDelta(t, 0.1, s.At(110), 1e-9)
		assert.InDelta(t, 0.1, s.At(10_000), 1e-9, "past the horizon the floor holds")
	})

	t.Run("midpoint sits between peak and floor", func(t *testing.T) {
		mid := s.At(60)
		assert.Greater(t, mid, 0.1)
		assert.Less(t, mid, 1.0)
	})

	t.Run("no decay horizon keeps the base rate", func(t *testing.T) {
		flat := &LRScheduler{BaseLR: 1.0, WarmupSteps: 0, TotalSteps: 0}
		assert.Equal(t, 1.0, flat.At(500))
	})
}

func TestOptimizers(t *testing.T) {
	step := func(opt Optimizer) float64 {
		p := model.NewTensor("w", 1, 1)
		p.Data[0] = 1.0
		p.Grad[0] = 1.0
		opt.Step([]*model.Tensor{p})
		return p.Data[0]
	}

	t.Run("sgd moves against the gradient", func(t *testing.T) {
		assert.InDelta(t, 0.9, step(NewSGD(0.1)), 1e-9)
	})

	t.Run("adamw moves against the gradient", func(t *testing.T) {
		after := step(NewAdamW(0.1, 0.9, 0.999, 1e-8, 0))
		assert.Less(t, after, 1.0)
	})

	t.Run("frozen tensors are skipped", func(t *testing.T) {
		p := model.NewTensor("w", 1, 1)
		p.Data[0] = 1.0
		p.Grad[0] = 1.0
		p.Frozen = true
		NewSGD(0.1).Step([]*model.Tensor{p})
		assert.Equal(t, 1.0, p.Data[0])
	})
}

func TestNewRejectsUnknownOptimizer(t *testing.T) {
	args := trainArgs("/tmp/out")
	args.Optimizer = "lion"
	_, err := New(tinyNet(t), args, data.NewSeq2SeqCollator(0, 8))
	assert.Error(t, err)
}

func TestTrainSmoke(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "translator-train-smoke-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	outputDir := filepath.Join(tempDir, "out")
	args := trainArgs(outputDir)
	args.DoEval = true
	args.EvalSteps = 0 // final evaluation only
	args.SaveSteps = 2

	net := tinyNet(t)
	trainer, err := New(net, args, data.NewSeq2SeqCollator(0, 8))
	require.NoError(t, err)

	train := tinySplit(8)
	eval := tinySplit(2)

	result, err := trainer.Train(context.Background(), train, eval)
	require.NoError(t, err)

	// 8 examples, batch 2, 2 epochs
	assert.Equal(t, 8, result.GlobalStep)
	assert.Equal(t, 2, result.Epochs)
	assert.Greater(t, result.TrainLoss, 0.0)
	assert.Greater(t, result.EvalLoss, 0.0)

	assert.FileExists(t, filepath.Join(outputDir, "config.json"))
	assert.FileExists(t, filepath.Join(outputDir, model.WeightsFileName))

	// periodic checkpoints carry trainer state for resume
	ckpt, step, err := model.LastCheckpoint(outputDir)
	require.NoError(t, err)
	assert.Equal(t, 8, step)
	assert.FileExists(t, filepath.Join(ckpt, TrainerStateFileName))
}

func TestTrainMaxStepsCap(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "translator-train-cap-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	args := trainArgs(filepath.Join(tempDir, "out"))
	args.MaxSteps = 3

	trainer, err := New(tinyNet(t), args, data.NewSeq2SeqCollator(0, 8))
	require.NoError(t, err)

	result, err := trainer.Train(context.Background(), tinySplit(8), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.GlobalStep)
}

func TestTrainRejectsOutOfVocabTokens(t *testing.T) {
	// tinyNet has vocab_size 16; these IDs would index past the embedding
	badInputs := data.NewTokenizedDataset([]data.TokenizedExample{{
		InputIDs:      []int{4, 40, 6, 1},
		AttentionMask: []int{1, 1, 1, 1},
		Labels:        []int{7, 8, 1, internal.IgnoreIndex},
	}})
	badLabels := data.NewTokenizedDataset([]data.TokenizedExample{{
		InputIDs:      []int{4, 5, 6, 1},
		AttentionMask: []int{1, 1, 1, 1},
		Labels:        []int{7, 99, 1, internal.IgnoreIndex},
	}})

	t.Run("train split", func(t *testing.T) {
		trainer, err := New(tinyNet(t), trainArgs("/tmp/out"), data.NewSeq2SeqCollator(0, 8))
		require.NoError(t, err)
		_, err = trainer.Train(context.Background(), badInputs, nil)
		assert.ErrorIs(t, err, ErrTokenOutOfRange)
	})

	t.Run("eval split", func(t *testing.T) {
		trainer, err := New(tinyNet(t), trainArgs("/tmp/out"), data.NewSeq2SeqCollator(0, 8))
		require.NoError(t, err)
		_, err = trainer.Evaluate(context.Background(), badLabels)
		assert.ErrorIs(t, err, ErrTokenOutOfRange)
	})

	t.Run("ignore sentinel is not a token", func(t *testing.T) {
		trainer, err := New(tinyNet(t), trainArgs("/tmp/out"), data.NewSeq2SeqCollator(0, 8))
		require.NoError(t, err)
		_, err = trainer.Evaluate(context.Background(), tinySplit(2))
		assert.NoError(t, err)
	})
}

func TestTrainEmptyDatasetFails(t *testing.T) {
	trainer, err := New(tinyNet(t), trainArgs("/tmp/out"), data.NewSeq2SeqCollator(0, 8))
	require.NoError(t, err)

	_, err = trainer.Train(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestTrainCanceledContext(t *testing.T) {
	trainer, err := New(tinyNet(t), trainArgs("/tmp/out"), data.NewSeq2SeqCollator(0, 8))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = trainer.Train(ctx, tinySplit(4), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResumeRestoresStepCounter(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "translator-resume-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	outputDir := filepath.Join(tempDir, "out")
	args := trainArgs(outputDir)
	args.SaveSteps = 4

	trainer, err := New(tinyNet(t), args, data.NewSeq2SeqCollator(0, 8))
	require.NoError(t, err)
	_, err = trainer.Train(context.Background(), tinySplit(8), nil)
	require.NoError(t, err)

	ckpt, _, err := model.LastCheckpoint(outputDir)
	require.NoError(t, err)

	resumed, err := New(tinyNet(t), args, data.NewSeq2SeqCollator(0, 8))
	require.NoError(t, err)
	require.NoError(t, resumed.Resume(ckpt))
	assert.Equal(t, 8, resumed.startStep)
}

func TestResumeWithoutStateIsTolerated(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "translator-resume-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	trainer, err := New(tinyNet(t), trainArgs(tempDir), data.NewSeq2SeqCollator(0, 8))
	require.NoError(t, err)
	assert.NoError(t, trainer.Resume(tempDir))
	assert.Zero(t, trainer.startStep)
}
