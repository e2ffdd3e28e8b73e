package model

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// TaskType names the adaptation objective. Only sequence-to-sequence (and
// causal) language modeling are meaningful here; there is no classification
// head to adapt.
type TaskType string

const (
	TaskSeq2SeqLM TaskType = "SEQ_2_SEQ_LM"
	TaskCausalLM  TaskType = "CAUSAL_LM"
)

var (
	// ErrNoTargetModules is returned when adaptation is requested but no
	// target sublayer list could be resolved for the model family.
	ErrNoTargetModules = errors.New("no LoRA target modules resolved for this architecture")

	ErrUnsupportedBias = errors.New("unsupported LoRA bias mode")
)

// LoraConfig configures low-rank adaptation of the projection layers.
type LoraConfig struct {
	R             int
	Alpha         float64
	Dropout       float64
	Bias          string
	TargetModules []string
	TaskType      TaskType
}

// ResolveTargetModules picks the sublayer names to adapt. An explicit comma
// separated list wins; otherwise the family's static list is used, reduced
// to the attention projections when attentionOnly is set. A family without
// a registered list fails loudly before any adapter is built.
func ResolveTargetModules(fam Family, explicit string, attentionOnly bool) ([]string, error) {
	if explicit != "" {
		var targets []string
		for _, t := range strings.Split(explicit, ",") {
			if t = strings.TrimSpace(t); t != "" {
				targets = append(targets, t)
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("%w: explicit list %q is empty", ErrNoTargetModules, explicit)
		}
		return targets, nil
	}
	if attentionOnly {
		if len(fam.AttentionTargets) == 0 {
			return nil, fmt.Errorf("%w: family %s has no attention target list", ErrNoTargetModules, fam.Name)
		}
		return fam.AttentionTargets, nil
	}
	if len(fam.TargetModules) == 0 {
		return nil, fmt.Errorf("%w: family %s", ErrNoTargetModules, fam.Name)
	}
	return fam.TargetModules, nil
}

// loraAdapter holds the low-rank pair attached to one Linear. A starts from
// a small normal distribution and B from zero, so the adapted layer is
// initially identical to the base layer.
type loraAdapter struct {
	A     *Tensor // [r, in]
	B     *Tensor // [out, r]
	scale float64

	dropout  float64
	rng      *rand.Rand
	training bool

	h    *mat.Dense // cached x*A^T
	mask *mat.Dense // cached dropout mask applied to x
}

func (a *loraAdapter) forward(x *mat.Dense, y *mat.Dense) {
	xin := x
	a.mask = nil
	if a.training && a.dropout > 0 {
		rows, cols := x.Dims()
		a.mask = mat.NewDense(rows, cols, nil)
		keep := 1 - a.dropout
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				if a.rng.Float64() < keep {
					a.mask.Set(i, j, 1/keep)
				}
			}
		}
		dropped := mat.DenseCopyOf(x)
		dropped.MulElem(dropped, a.mask)
		xin = dropped
	}
	a.h = matMul(xin, a.A.Matrix().T())
	delta := matMul(a.h, a.B.Matrix().T())
	delta.Scale(a.scale, delta)
	y.Add(y, delta)
}

func (a *loraAdapter) backward(x *mat.Dense, dy *mat.Dense, dx *mat.Dense) {
	dyScaled := mat.DenseCopyOf(dy)
	dyScaled.Scale(a.scale, dyScaled)

	a.B.AddGrad(matMul(dyScaled.T(), a.h))
	dh := matMul(dyScaled, a.B.Matrix())

	xin := x
	if a.mask != nil {
		dropped := mat.DenseCopyOf(x)
		dropped.MulElem(dropped, a.mask)
		xin = dropped
	}
	a.A.AddGrad(matMul(dh.T(), xin))

	dxa := matMul(dh, a.A.Matrix())
	if a.mask != nil {
		dxa.MulElem(dxa, a.mask)
	}
	dx.Add(dx, dxa)
}

// Attach freezes every base parameter of the network and injects LoRA pairs
// into each projection layer whose base name is in the target list. Returns
// the number of adapted layers.
func Attach(net Network, cfg LoraConfig, seed int64) (int, error) {
	if cfg.R <= 0 {
		return 0, fmt.Errorf("LoRA rank must be positive, got %d", cfg.R)
	}
	if cfg.Bias != "" && cfg.Bias != "none" {
		return 0, fmt.Errorf("%w: %q (layers carry no bias terms)", ErrUnsupportedBias, cfg.Bias)
	}
	if len(cfg.TargetModules) == 0 {
		return 0, ErrNoTargetModules
	}

	targets := make(map[string]bool, len(cfg.TargetModules))
	for _, t := range cfg.TargetModules {
		targets[t] = true
	}

	for _, p := range net.Parameters() {
		p.Frozen = true
	}

	rng := rand.New(rand.NewSource(seed))
	attached := 0
	for _, l := range net.Linears() {
		if !targets[l.BaseName()] {
			continue
		}
		in := l.W.Cols
		out := l.W.Rows
		a := &loraAdapter{
			A:       NewTensor(l.Name+".lora_A", cfg.R, in),
			B:       NewTensor(l.Name+".lora_B", out, cfg.R),
			scale:   cfg.Alpha / float64(cfg.R),
			dropout: cfg.Dropout,
			rng:     rng,
		}
		a.A.InitNormal(rng, 1/math.Sqrt(float64(in)))
		l.adapter = a
		attached++
	}
	if attached == 0 {
		return 0, fmt.Errorf("%w: none of %v matched a projection layer", ErrNoTargetModules, cfg.TargetModules)
	}

	trainable, total := TrainableParameterReport(net.Parameters())
	slog.Info("Attached LoRA adapters",
		"layers", attached,
		"rank", cfg.R,
		"trainable_params", trainable,
		"all_params", total,
		"trainable_pct", fmt.Sprintf("%.4f", 100*float64(trainable)/float64(total)))
	return attached, nil
}

// SetTrainingMode flips adapter dropout on or off across the network.
func SetTrainingMode(net Network, training bool) {
	for _, l := range net.Linears() {
		if l.adapter != nil {
			l.adapter.training = training
		}
	}
}

// MergeAdapters folds every adapter delta (scale * B*A) into its base weight
// and removes the adapter, producing a plain network for persistence.
func MergeAdapters(net Network) {
	for _, l := range net.Linears() {
		a := l.adapter
		if a == nil {
			continue
		}
		delta := matMul(a.B.Matrix(), a.A.Matrix())
		delta.Scale(a.scale, delta)
		w := l.W.Matrix()
		w.Add(w, delta)
		l.adapter = nil
	}
}

// TrainableParameterReport counts trainable and total parameters.
func TrainableParameterReport(params []*Tensor) (trainable, total int64) {
	for _, p := range params {
		n := int64(p.NumElements())
		total += n
		if !p.Frozen {
			trainable += n
		}
	}
	return trainable, total
}
