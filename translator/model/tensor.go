package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a named 2D parameter matrix with an accumulated gradient.
// Frozen tensors keep their gradient buffer zeroed and are skipped by
// optimizers; LoRA freezes every base weight this way.
type Tensor struct {
	Name   string
	Rows   int
	Cols   int
	Data   []float64
	Grad   []float64
	Frozen bool
}

func NewTensor(name string, rows, cols int) *Tensor {
	return &Tensor{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
}

func (t *Tensor) At(i, j int) float64     { return t.Data[i*t.Cols+j] }
func (t *Tensor) Set(i, j int, v float64) { t.Data[i*t.Cols+j] = v }

// Matrix exposes the weights as a gonum matrix sharing the backing slice.
func (t *Tensor) Matrix() *mat.Dense { return mat.NewDense(t.Rows, t.Cols, t.Data) }

// GradMatrix exposes the gradient as a gonum matrix sharing the backing slice.
func (t *Tensor) GradMatrix() *mat.Dense { return mat.NewDense(t.Rows, t.Cols, t.Grad) }

// InitNormal fills the tensor with N(0, std^2) values.
func (t *Tensor) InitNormal(rng *rand.Rand, std float64) {
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
}

func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// AddGrad accumulates g into the gradient unless the tensor is frozen.
func (t *Tensor) AddGrad(g mat.Matrix) {
	if t.Frozen {
		return
	}
	r, c := g.Dims()
	if r != t.Rows || c != t.Cols {
		panic(fmt.Sprintf("gradient shape (%d,%d) does not match tensor %s (%d,%d)", r, c, t.Name, t.Rows, t.Cols))
	}
	gm := t.GradMatrix()
	gm.Add(gm, g)
}

// NumElements returns the parameter count of the tensor.
func (t *Tensor) NumElements() int { return t.Rows * t.Cols }

// matMul returns a*b as a fresh dense matrix.
func matMul(a, b mat.Matrix) *mat.Dense {
	ar, _ := a.Dims()
	_, bc := b.Dims()
	out := mat.NewDense(ar, bc, nil)
	out.Mul(a, b)
	return out
}

// clipGradients scales all gradients down when their global L2 norm exceeds
// maxNorm. Returns the pre-clip norm.
func ClipGradients(params []*Tensor, maxNorm float64) float64 {
	globalNorm := 0.0
	for _, p := range params {
		if p.Frozen {
			continue
		}
		for _, g := range p.Grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			if p.Frozen {
				continue
			}
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return globalNorm
}
