package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Embedding maps token IDs to d-model vectors. The weight table doubles as
// the positional-free input representation; positions are handled by the
// attention blocks.
type Embedding struct {
	W *Tensor // [vocab, d]
}

func NewEmbedding(name string, vocab, d int, rng *rand.Rand) *Embedding {
	e := &Embedding{W: NewTensor(name, vocab, d)}
	e.W.InitNormal(rng, 0.02)
	return e
}

// Forward gathers embedding rows for the given token IDs.
func (e *Embedding) Forward(ids []int) *mat.Dense {
	d := e.W.Cols
	out := mat.NewDense(len(ids), d, nil)
	for t, id := range ids {
		out.SetRow(t, e.W.Data[id*d:(id+1)*d])
	}
	return out
}

// Backward scatters output gradients back onto the gathered rows.
func (e *Embedding) Backward(ids []int, dOut *mat.Dense) {
	if e.W.Frozen {
		return
	}
	d := e.W.Cols
	for t, id := range ids {
		row := e.W.Grad[id*d : (id+1)*d]
		for j := 0; j < d; j++ {
			row[j] += dOut.At(t, j)
		}
	}
}

// Linear is a bias-free projection y = x*W^T with an optional LoRA adapter
// on the side. The forward input is cached for the backward pass.
type Linear struct {
	Name string
	W    *Tensor // [out, in]

	adapter *loraAdapter

	x *mat.Dense // cached forward input
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{Name: name, W: NewTensor(name, out, in)}
	l.W.InitNormal(rng, 0.02/math.Sqrt(float64(in)))
	return l
}

// BaseName returns the last dot-separated segment of the layer name, the
// unit that LoRA target-module lists refer to.
func (l *Linear) BaseName() string {
	name := l.Name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.x = x
	y := matMul(x, l.W.Matrix().T())
	if l.adapter != nil {
		l.adapter.forward(x, y)
	}
	return y
}

// Backward accumulates the weight gradient and returns the input gradient.
func (l *Linear) Backward(dy *mat.Dense) *mat.Dense {
	l.W.AddGrad(matMul(dy.T(), l.x))
	dx := matMul(dy, l.W.Matrix())
	if l.adapter != nil {
		l.adapter.backward(l.x, dy, dx)
	}
	return dx
}

// Params lists the trainable tensors of the layer, adapter included.
func (l *Linear) Params() []*Tensor {
	params := []*Tensor{l.W}
	if l.adapter != nil {
		params = append(params, l.adapter.A, l.adapter.B)
	}
	return params
}

// RMSNorm scales each position vector by its root-mean-square, then by a
// learned per-channel gain.
type RMSNorm struct {
	G   *Tensor // [1, d]
	eps float64

	x   *mat.Dense
	rms []float64
}

func NewRMSNorm(name string, d int) *RMSNorm {
	n := &RMSNorm{G: NewTensor(name, 1, d), eps: 1e-6}
	for i := range n.G.Data {
		n.G.Data[i] = 1
	}
	return n
}

func (n *RMSNorm) Forward(x *mat.Dense) *mat.Dense {
	rows, d := x.Dims()
	n.x = x
	n.rms = make([]float64, rows)
	out := mat.NewDense(rows, d, nil)
	for t := 0; t < rows; t++ {
		sum := 0.0
		for j := 0; j < d; j++ {
			v := x.At(t, j)
			sum += v * v
		}
		rms := math.Sqrt(sum/float64(d) + n.eps)
		n.rms[t] = rms
		for j := 0; j < d; j++ {
			out.Set(t, j, x.At(t, j)/rms*n.G.Data[j])
		}
	}
	return out
}

func (n *RMSNorm) Backward(dy *mat.Dense) *mat.Dense {
	rows, d := n.x.Dims()
	dx := mat.NewDense(rows, d, nil)
	for t := 0; t < rows; t++ {
		rms := n.rms[t]
		dot := 0.0
		for j := 0; j < d; j++ {
			u := dy.At(t, j) * n.G.Data[j]
			dot += u * n.x.At(t, j)
		}
		for j := 0; j < d; j++ {
			u := dy.At(t, j) * n.G.Data[j]
			xj := n.x.At(t, j)
			dx.Set(t, j, u/rms-xj*dot/(float64(d)*rms*rms*rms))
			if !n.G.Frozen {
				n.G.Grad[j] += dy.At(t, j) * xj / rms
			}
		}
	}
	return dx
}

// softmaxRows applies a row-wise softmax in place over scores, adding a large
// negative offset wherever masked[i][j] is true before normalizing.
func softmaxRows(scores *mat.Dense, masked func(i, j int) bool) {
	rows, cols := scores.Dims()
	for i := 0; i < rows; i++ {
		maxV := math.Inf(-1)
		for j := 0; j < cols; j++ {
			if masked != nil && masked(i, j) {
				scores.Set(i, j, -1e9)
			}
			if v := scores.At(i, j); v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for j := 0; j < cols; j++ {
			v := math.Exp(scores.At(i, j) - maxV)
			scores.Set(i, j, v)
			sum += v
		}
		for j := 0; j < cols; j++ {
			scores.Set(i, j, scores.At(i, j)/sum)
		}
	}
}

// softmaxBackward maps probabilities P and upstream dP to score gradients:
// dS_ij = P_ij * (dP_ij - sum_k dP_ik * P_ik).
func softmaxBackward(p, dp *mat.Dense) *mat.Dense {
	rows, cols := p.Dims()
	ds := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		dot := 0.0
		for j := 0; j < cols; j++ {
			dot += dp.At(i, j) * p.At(i, j)
		}
		for j := 0; j < cols; j++ {
			ds.Set(i, j, p.At(i, j)*(dp.At(i, j)-dot))
		}
	}
	return ds
}

// relu and its gradient mask, applied elementwise.
func reluInPlace(x *mat.Dense) {
	rows, cols := x.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if x.At(i, j) < 0 {
				x.Set(i, j, 0)
			}
		}
	}
}

func reluBackward(preAct, dy *mat.Dense) *mat.Dense {
	rows, cols := dy.Dims()
	dx := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if preAct.At(i, j) > 0 {
				dx.Set(i, j, dy.At(i, j))
			}
		}
	}
	return dx
}
