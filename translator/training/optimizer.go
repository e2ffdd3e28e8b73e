package training

import (
	"math"

	"github.com/QuagHien/translator-v3/translator/model"
)

// Optimizer applies accumulated gradients to trainable parameters.
type Optimizer interface {
	Step(params []*model.Tensor)
	SetLR(lr float64)
	LR() float64
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	lr float64
}

func NewSGD(lr float64) *SGD { return &SGD{lr: lr} }

func (o *SGD) SetLR(lr float64) { o.lr = lr }
func (o *SGD) LR() float64      { return o.lr }

func (o *SGD) Step(params []*model.Tensor) {
	for _, p := range params {
		if p.Frozen {
			continue
		}
		for i := range p.Data {
			p.Data[i] -= o.lr * p.Grad[i]
		}
	}
}

// AdamW implements Adam with decoupled weight decay. Moment buffers are
// keyed by parameter name so the set of trainable tensors may be decided
// after construction.
type AdamW struct {
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step int
	m    map[string][]float64
	v    map[string][]float64
}

func NewAdamW(lr, beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

func (o *AdamW) SetLR(lr float64) { o.lr = lr }
func (o *AdamW) LR() float64      { return o.lr }

func (o *AdamW) Step(params []*model.Tensor) {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))
	for _, p := range params {
		if p.Frozen {
			continue
		}
		m, ok := o.m[p.Name]
		if !ok {
			m = make([]float64, len(p.Data))
			o.m[p.Name] = m
		}
		v, ok := o.v[p.Name]
		if !ok {
			v = make([]float64, len(p.Data))
			o.v[p.Name] = v
		}
		for i, g := range p.Grad {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Data[i] -= o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*p.Data[i])
		}
	}
}

// LRScheduler produces the learning rate for a given optimization step:
// linear warmup to the base rate, then cosine decay to MinLR over
// DecaySteps (the remaining steps when DecaySteps is zero).
type LRScheduler struct {
	BaseLR      float64
	MinLR       float64
	WarmupSteps int
	DecaySteps  int
	TotalSteps  int
}

func (s *LRScheduler) At(step int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.BaseLR * float64(step+1) / float64(s.WarmupSteps)
	}
	decay := s.DecaySteps
	if decay <= 0 {
		decay = s.TotalSteps - s.WarmupSteps
	}
	if decay <= 0 {
		return s.BaseLR
	}
	progress := float64(step-s.WarmupSteps) / float64(decay)
	if progress > 1 {
		progress = 1
	}
	return s.MinLR + (s.BaseLR-s.MinLR)*0.5*(1+math.Cos(math.Pi*progress))
}
