package model

import (
	"fmt"
	"log/slog"
	"math"
)

// nf4Codebook holds the 16 NormalFloat4 quantization levels, the quantiles
// of a standard normal rescaled to [-1, 1].
var nf4Codebook = [16]float64{
	-1.0,
	-0.6961928009986877,
	-0.5250730514526367,
	-0.39491748809814453,
	-0.28444138169288635,
	-0.18477343022823334,
	-0.09105003625154495,
	0.0,
	0.07958029955625534,
	0.16093020141124725,
	0.24611230194568634,
	0.33791524171829224,
	0.44070982933044434,
	0.5626170039176941,
	0.7229568362236023,
	1.0,
}

// DefaultQuantBlockSize is the number of weights sharing one absmax scale.
const DefaultQuantBlockSize = 64

// QuantConfig selects 4-bit weight quantization for the frozen base model.
type QuantConfig struct {
	Enabled   bool
	BlockSize int
}

func nearestNF4(v float64) byte {
	best := 0
	bestDist := math.Abs(v - nf4Codebook[0])
	for i := 1; i < len(nf4Codebook); i++ {
		if d := math.Abs(v - nf4Codebook[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return byte(best)
}

// QuantizeNF4 encodes data into 4-bit codes with one absmax scale per block.
// Two codes are packed per byte, low nibble first.
func QuantizeNF4(data []float64, blockSize int) (codes []byte, scales []float64) {
	if blockSize <= 0 {
		blockSize = DefaultQuantBlockSize
	}
	nBlocks := (len(data) + blockSize - 1) / blockSize
	scales = make([]float64, nBlocks)
	codes = make([]byte, (len(data)+1)/2)
	for b := 0; b < nBlocks; b++ {
		lo := b * blockSize
		hi := lo + blockSize
		if hi > len(data) {
			hi = len(data)
		}
		absmax := 0.0
		for _, v := range data[lo:hi] {
			if a := math.Abs(v); a > absmax {
				absmax = a
			}
		}
		scales[b] = absmax
		for i := lo; i < hi; i++ {
			v := 0.0
			if absmax > 0 {
				v = data[i] / absmax
			}
			c := nearestNF4(v)
			if i%2 == 0 {
				codes[i/2] |= c
			} else {
				codes[i/2] |= c << 4
			}
		}
	}
	return codes, scales
}

// DequantizeNF4 reverses QuantizeNF4 into dst, which gives the length.
func DequantizeNF4(codes []byte, scales []float64, blockSize int, dst []float64) {
	if blockSize <= 0 {
		blockSize = DefaultQuantBlockSize
	}
	for i := range dst {
		c := codes[i/2]
		if i%2 == 0 {
			c &= 0x0f
		} else {
			c >>= 4
		}
		dst[i] = nf4Codebook[c] * scales[i/blockSize]
	}
}

// QuantizeNetwork round-trips every projection weight through NF4, so the
// base model carries exactly the precision it would have when stored in
// 4 bits. Embeddings and norms keep full precision, matching the usual
// 4-bit loading scheme. Returns the number of quantized tensors.
func QuantizeNetwork(net Network, cfg QuantConfig) (int, error) {
	if !cfg.Enabled {
		return 0, nil
	}
	if cfg.BlockSize < 0 {
		return 0, fmt.Errorf("quantization block size must be non-negative, got %d", cfg.BlockSize)
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultQuantBlockSize
	}
	n := 0
	for _, l := range net.Linears() {
		codes, scales := QuantizeNF4(l.W.Data, cfg.BlockSize)
		DequantizeNF4(codes, scales, cfg.BlockSize, l.W.Data)
		n++
	}
	slog.Info("Quantized base weights to NF4", "tensors", n, "block_size", cfg.BlockSize)
	return n, nil
}
