package model

import (
	"fmt"
	"math"
	"math/rand"

	internal "github.com/QuagHien/translator-v3/translator"

	"gonum.org/v1/gonum/mat"
)

// Network is the training surface the orchestrator and trainer work against.
// Implementations process one example at a time; batching is the trainer's
// concern.
type Network interface {
	Config() *Config
	Family() Family

	// Loss runs a forward pass and returns the mean cross-entropy over
	// label positions not equal to the ignore sentinel.
	Loss(inputIDs, attentionMask, labels []int) float64

	// LossAndGrad additionally runs the backward pass, accumulating
	// gradients on every unfrozen parameter.
	LossAndGrad(inputIDs, attentionMask, labels []int) float64

	// Parameters lists every parameter tensor, frozen or not.
	Parameters() []*Tensor

	// Linears lists the projection layers, the units LoRA attaches to.
	Linears() []*Linear
}

// Build constructs a freshly initialized network for the config's
// architecture family.
func Build(cfg *Config, seed int64) (Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fam, err := ResolveFamily(cfg.Architecture)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	switch fam.Kind {
	case KindSeq2Seq:
		return newSeq2Seq(cfg, fam, rng), nil
	case KindCausal:
		return newCausal(cfg, fam, rng), nil
	default:
		return nil, fmt.Errorf("%w: family %s has unsupported kind %s", ErrUnknownArchitecture, fam.Name, fam.Kind)
	}
}

// attention is a single-head scaled dot-product attention with projection
// layers named per the T5 convention (q, k, v, o).
type attention struct {
	q, k, v, o *Linear
	scale      float64
	causal     bool

	probs   *mat.Dense
	qOut    *mat.Dense
	kOut    *mat.Dense
	vOut    *mat.Dense
	keyMask []int
}

func newAttention(prefix string, d int, causal bool, rng *rand.Rand) *attention {
	return &attention{
		q:      NewLinear(prefix+".q", d, d, rng),
		k:      NewLinear(prefix+".k", d, d, rng),
		v:      NewLinear(prefix+".v", d, d, rng),
		o:      NewLinear(prefix+".o", d, d, rng),
		scale:  1 / math.Sqrt(float64(d)),
		causal: causal,
	}
}

// forward attends queries xq over keys/values xkv. keyMask positions with 0
// are excluded from attention; nil means attend everywhere.
func (a *attention) forward(xq, xkv *mat.Dense, keyMask []int) *mat.Dense {
	a.keyMask = keyMask
	a.qOut = a.q.Forward(xq)
	a.kOut = a.k.Forward(xkv)
	a.vOut = a.v.Forward(xkv)

	scores := matMul(a.qOut, a.kOut.T())
	scores.Scale(a.scale, scores)
	softmaxRows(scores, func(i, j int) bool {
		if a.causal && j > i {
			return true
		}
		return keyMask != nil && j < len(keyMask) && keyMask[j] == 0
	})
	a.probs = scores

	ctx := matMul(a.probs, a.vOut)
	return a.o.Forward(ctx)
}

// backward returns the gradients wrt the query input and the key/value input.
func (a *attention) backward(dy *mat.Dense) (dxq, dxkv *mat.Dense) {
	dctx := a.o.Backward(dy)

	dprobs := matMul(dctx, a.vOut.T())
	dv := matMul(a.probs.T(), dctx)

	dscores := softmaxBackward(a.probs, dprobs)
	dscores.Scale(a.scale, dscores)

	dq := matMul(dscores, a.kOut)
	dk := matMul(dscores.T(), a.qOut)

	dxq = a.q.Backward(dq)
	dxkv = a.k.Backward(dk)
	dxkv.Add(dxkv, a.v.Backward(dv))
	return dxq, dxkv
}

func (a *attention) linears() []*Linear { return []*Linear{a.q, a.k, a.v, a.o} }

// ffn is the position-wise feed-forward block. The gated variant mirrors the
// mT5 layout (wi_0 gate, wi_1 up, wo down); the plain one the original T5
// (wi, wo).
type ffn struct {
	gated bool

	wi, wo       *Linear
	wi0, wi1     *Linear
	pre, act, up *mat.Dense
}

func newFFN(prefix string, d, dff int, gated bool, rng *rand.Rand) *ffn {
	f := &ffn{gated: gated}
	if gated {
		f.wi0 = NewLinear(prefix+".wi_0", d, dff, rng)
		f.wi1 = NewLinear(prefix+".wi_1", d, dff, rng)
	} else {
		f.wi = NewLinear(prefix+".wi", d, dff, rng)
	}
	f.wo = NewLinear(prefix+".wo", dff, d, rng)
	return f
}

func (f *ffn) forward(x *mat.Dense) *mat.Dense {
	if f.gated {
		f.pre = f.wi0.Forward(x)
		f.act = mat.DenseCopyOf(f.pre)
		reluInPlace(f.act)
		f.up = f.wi1.Forward(x)
		h := mat.DenseCopyOf(f.act)
		h.MulElem(h, f.up)
		return f.wo.Forward(h)
	}
	f.pre = f.wi.Forward(x)
	f.act = mat.DenseCopyOf(f.pre)
	reluInPlace(f.act)
	return f.wo.Forward(f.act)
}

func (f *ffn) backward(dy *mat.Dense) *mat.Dense {
	dh := f.wo.Backward(dy)
	if f.gated {
		dact := mat.DenseCopyOf(dh)
		dact.MulElem(dact, f.up)
		dup := mat.DenseCopyOf(dh)
		dup.MulElem(dup, f.act)
		dx := f.wi1.Backward(dup)
		dx.Add(dx, f.wi0.Backward(reluBackward(f.pre, dact)))
		return dx
	}
	return f.wi.Backward(reluBackward(f.pre, dh))
}

func (f *ffn) linears() []*Linear {
	if f.gated {
		return []*Linear{f.wi0, f.wi1, f.wo}
	}
	return []*Linear{f.wi, f.wo}
}

// encoderBlock is pre-norm self-attention followed by a pre-norm FFN, both
// with residual connections.
type encoderBlock struct {
	ln1, ln2 *RMSNorm
	attn     *attention
	ff       *ffn
}

func newEncoderBlock(prefix string, cfg *Config, fam Family, rng *rand.Rand) *encoderBlock {
	return &encoderBlock{
		ln1:  NewRMSNorm(prefix+".ln1", cfg.DModel),
		ln2:  NewRMSNorm(prefix+".ln2", cfg.DModel),
		attn: newAttention(prefix+".self_attn", cfg.DModel, false, rng),
		ff:   newFFN(prefix+".ffn", cfg.DModel, cfg.DFF, fam.GatedFFN, rng),
	}
}

func (b *encoderBlock) forward(x *mat.Dense, mask []int) *mat.Dense {
	n1 := b.ln1.Forward(x)
	h := mat.DenseCopyOf(x)
	h.Add(h, b.attn.forward(n1, n1, mask))

	n2 := b.ln2.Forward(h)
	y := mat.DenseCopyOf(h)
	y.Add(y, b.ff.forward(n2))
	return y
}

func (b *encoderBlock) backward(dy *mat.Dense) *mat.Dense {
	dh := mat.DenseCopyOf(dy)
	dh.Add(dh, b.ln2.Backward(b.ff.backward(dy)))

	dxq, dxkv := b.attn.backward(dh)
	dn1 := dxq
	dn1.Add(dn1, dxkv)
	dx := mat.DenseCopyOf(dh)
	dx.Add(dx, b.ln1.Backward(dn1))
	return dx
}

func (b *encoderBlock) linears() []*Linear { return append(b.attn.linears(), b.ff.linears()...) }
func (b *encoderBlock) norms() []*RMSNorm  { return []*RMSNorm{b.ln1, b.ln2} }

// decoderBlock adds causal self-attention and cross-attention over the
// encoder output.
type decoderBlock struct {
	ln1, ln2, ln3 *RMSNorm
	selfAttn      *attention
	crossAttn     *attention
	ff            *ffn
}

func newDecoderBlock(prefix string, cfg *Config, fam Family, rng *rand.Rand) *decoderBlock {
	return &decoderBlock{
		ln1:       NewRMSNorm(prefix+".ln1", cfg.DModel),
		ln2:       NewRMSNorm(prefix+".ln2", cfg.DModel),
		ln3:       NewRMSNorm(prefix+".ln3", cfg.DModel),
		selfAttn:  newAttention(prefix+".self_attn", cfg.DModel, true, rng),
		crossAttn: newAttention(prefix+".cross_attn", cfg.DModel, false, rng),
		ff:        newFFN(prefix+".ffn", cfg.DModel, cfg.DFF, fam.GatedFFN, rng),
	}
}

// forward returns the block output; dEnc accumulation happens in backward.
func (b *decoderBlock) forward(x, encOut *mat.Dense, encMask []int) *mat.Dense {
	n1 := b.ln1.Forward(x)
	h := mat.DenseCopyOf(x)
	h.Add(h, b.selfAttn.forward(n1, n1, nil))

	n2 := b.ln2.Forward(h)
	h2 := mat.DenseCopyOf(h)
	h2.Add(h2, b.crossAttn.forward(n2, encOut, encMask))

	n3 := b.ln3.Forward(h2)
	y := mat.DenseCopyOf(h2)
	y.Add(y, b.ff.forward(n3))
	return y
}

// backward returns the input gradient and adds this block's contribution to
// the encoder-output gradient.
func (b *decoderBlock) backward(dy *mat.Dense, dEnc *mat.Dense) *mat.Dense {
	dh2 := mat.DenseCopyOf(dy)
	dh2.Add(dh2, b.ln3.Backward(b.ff.backward(dy)))

	dxq, dxkv := b.crossAttn.backward(dh2)
	dEnc.Add(dEnc, dxkv)
	dh := mat.DenseCopyOf(dh2)
	dh.Add(dh, b.ln2.Backward(dxq))

	sq, skv := b.selfAttn.backward(dh)
	dn1 := sq
	dn1.Add(dn1, skv)
	dx := mat.DenseCopyOf(dh)
	dx.Add(dx, b.ln1.Backward(dn1))
	return dx
}

func (b *decoderBlock) linears() []*Linear {
	ls := append(b.selfAttn.linears(), b.crossAttn.linears()...)
	return append(ls, b.ff.linears()...)
}
func (b *decoderBlock) norms() []*RMSNorm { return []*RMSNorm{b.ln1, b.ln2, b.ln3} }

// lossFromLogits computes mean cross-entropy over non-ignored positions and,
// when grad is true, returns the logits gradient for the backward pass.
func lossFromLogits(logits *mat.Dense, labels []int, grad bool) (float64, *mat.Dense) {
	rows, vocab := logits.Dims()
	var dLogits *mat.Dense
	if grad {
		dLogits = mat.NewDense(rows, vocab, nil)
	}

	totalLoss := 0.0
	counted := 0
	countedRows := make([]int, 0, rows)

	for t := 0; t < rows && t < len(labels); t++ {
		if labels[t] == internal.IgnoreIndex {
			continue
		}
		maxLogit := logits.At(t, 0)
		for v := 1; v < vocab; v++ {
			if l := logits.At(t, v); l > maxLogit {
				maxLogit = l
			}
		}
		sumExp := 0.0
		for v := 0; v < vocab; v++ {
			sumExp += math.Exp(logits.At(t, v) - maxLogit)
		}
		logSumExp := maxLogit + math.Log(sumExp)
		totalLoss += logSumExp - logits.At(t, labels[t])
		counted++
		countedRows = append(countedRows, t)
	}

	if counted == 0 {
		return 0, dLogits
	}
	loss := totalLoss / float64(counted)

	if grad {
		inv := 1 / float64(counted)
		for _, t := range countedRows {
			maxLogit := logits.At(t, 0)
			for v := 1; v < vocab; v++ {
				if l := logits.At(t, v); l > maxLogit {
					maxLogit = l
				}
			}
			sumExp := 0.0
			for v := 0; v < vocab; v++ {
				sumExp += math.Exp(logits.At(t, v) - maxLogit)
			}
			for v := 0; v < vocab; v++ {
				p := math.Exp(logits.At(t, v)-maxLogit) / sumExp
				if v == labels[t] {
					p -= 1
				}
				dLogits.Set(t, v, p*inv)
			}
		}
	}
	return loss, dLogits
}

// Seq2Seq is a compact encoder-decoder translation network with a shared
// input embedding and a separate output projection.
type Seq2Seq struct {
	cfg *Config
	fam Family

	embed     *Embedding
	encBlocks []*encoderBlock
	encNorm   *RMSNorm
	decBlocks []*decoderBlock
	decNorm   *RMSNorm
	lmHead    *Linear

	encIDs, decIDs []int
	encMask        []int
	encOut         *mat.Dense
}

func newSeq2Seq(cfg *Config, fam Family, rng *rand.Rand) *Seq2Seq {
	m := &Seq2Seq{
		cfg:     cfg,
		fam:     fam,
		embed:   NewEmbedding("shared", cfg.VocabSize, cfg.DModel, rng),
		encNorm: NewRMSNorm("encoder.final_ln", cfg.DModel),
		decNorm: NewRMSNorm("decoder.final_ln", cfg.DModel),
		lmHead:  NewLinear("lm_head", cfg.DModel, cfg.VocabSize, rng),
	}
	for i := 0; i < cfg.NumLayers; i++ {
		m.encBlocks = append(m.encBlocks, newEncoderBlock(fmt.Sprintf("encoder.%d", i), cfg, fam, rng))
		m.decBlocks = append(m.decBlocks, newDecoderBlock(fmt.Sprintf("decoder.%d", i), cfg, fam, rng))
	}
	return m
}

func (m *Seq2Seq) Config() *Config { return m.cfg }
func (m *Seq2Seq) Family() Family  { return m.fam }

// shiftRight builds decoder input IDs from labels: the decoder-start token
// followed by the labels with ignore positions replaced by padding.
func (m *Seq2Seq) shiftRight(labels []int) []int {
	if len(labels) == 0 {
		return []int{m.cfg.DecoderStartTokenID}
	}
	dec := make([]int, len(labels))
	dec[0] = m.cfg.DecoderStartTokenID
	for t := 1; t < len(labels); t++ {
		if labels[t-1] == internal.IgnoreIndex {
			dec[t] = m.cfg.PadTokenID
		} else {
			dec[t] = labels[t-1]
		}
	}
	return dec
}

func (m *Seq2Seq) forward(inputIDs, attentionMask, labels []int) *mat.Dense {
	m.encIDs = inputIDs
	m.encMask = attentionMask
	m.decIDs = m.shiftRight(labels)

	x := m.embed.Forward(inputIDs)
	for _, b := range m.encBlocks {
		x = b.forward(x, attentionMask)
	}
	m.encOut = m.encNorm.Forward(x)

	y := m.embed.Forward(m.decIDs)
	for _, b := range m.decBlocks {
		y = b.forward(y, m.encOut, attentionMask)
	}
	return m.lmHead.Forward(m.decNorm.Forward(y))
}

func (m *Seq2Seq) Loss(inputIDs, attentionMask, labels []int) float64 {
	logits := m.forward(inputIDs, attentionMask, labels)
	loss, _ := lossFromLogits(logits, labels, false)
	return loss
}

func (m *Seq2Seq) LossAndGrad(inputIDs, attentionMask, labels []int) float64 {
	logits := m.forward(inputIDs, attentionMask, labels)
	loss, dLogits := lossFromLogits(logits, labels, true)
	if dLogits == nil {
		return loss
	}

	dy := m.decNorm.Backward(m.lmHead.Backward(dLogits))
	rows, _ := m.encOut.Dims()
	dEnc := mat.NewDense(rows, m.cfg.DModel, nil)
	for i := len(m.decBlocks) - 1; i >= 0; i-- {
		dy = m.decBlocks[i].backward(dy, dEnc)
	}
	m.embed.Backward(m.decIDs, dy)

	dx := m.encNorm.Backward(dEnc)
	for i := len(m.encBlocks) - 1; i >= 0; i-- {
		dx = m.encBlocks[i].backward(dx)
	}
	m.embed.Backward(m.encIDs, dx)
	return loss
}

func (m *Seq2Seq) Parameters() []*Tensor {
	params := []*Tensor{m.embed.W}
	for _, b := range m.encBlocks {
		for _, n := range b.norms() {
			params = append(params, n.G)
		}
		for _, l := range b.linears() {
			params = append(params, l.Params()...)
		}
	}
	params = append(params, m.encNorm.G)
	for _, b := range m.decBlocks {
		for _, n := range b.norms() {
			params = append(params, n.G)
		}
		for _, l := range b.linears() {
			params = append(params, l.Params()...)
		}
	}
	params = append(params, m.decNorm.G)
	params = append(params, m.lmHead.Params()...)
	return params
}

func (m *Seq2Seq) Linears() []*Linear {
	var ls []*Linear
	for _, b := range m.encBlocks {
		ls = append(ls, b.linears()...)
	}
	for _, b := range m.decBlocks {
		ls = append(ls, b.linears()...)
	}
	return append(ls, m.lmHead)
}

// Causal is a decoder-only network. Training concatenates the source tokens
// and the target tokens into one sequence and computes loss only over the
// target region.
type Causal struct {
	cfg *Config
	fam Family

	embed  *Embedding
	blocks []*encoderBlock // causal self-attention only, no cross path
	norm   *RMSNorm
	lmHead *Linear

	ids []int
}

func newCausal(cfg *Config, fam Family, rng *rand.Rand) *Causal {
	m := &Causal{
		cfg:    cfg,
		fam:    fam,
		embed:  NewEmbedding("wte", cfg.VocabSize, cfg.DModel, rng),
		norm:   NewRMSNorm("final_ln", cfg.DModel),
		lmHead: NewLinear("lm_head", cfg.DModel, cfg.VocabSize, rng),
	}
	for i := 0; i < cfg.NumLayers; i++ {
		b := newEncoderBlock(fmt.Sprintf("block.%d", i), cfg, fam, rng)
		b.attn.causal = true
		m.blocks = append(m.blocks, b)
	}
	return m
}

func (m *Causal) Config() *Config { return m.cfg }
func (m *Causal) Family() Family  { return m.fam }

// packSequence concatenates real source tokens with target tokens and builds
// shifted next-token labels that only count the target region.
func (m *Causal) packSequence(inputIDs, attentionMask, labels []int) (ids []int, packedLabels []int) {
	for t, id := range inputIDs {
		if t < len(attentionMask) && attentionMask[t] == 0 {
			continue
		}
		ids = append(ids, id)
	}
	srcLen := len(ids)
	for _, l := range labels {
		if l == internal.IgnoreIndex {
			continue
		}
		ids = append(ids, l)
	}
	if len(ids) > m.cfg.MaxPositions {
		ids = ids[:m.cfg.MaxPositions]
	}

	// next-token labels, ignored over the source prefix
	packedLabels = make([]int, len(ids))
	for t := range packedLabels {
		if t+1 >= len(ids) || t+1 <= srcLen-1 {
			packedLabels[t] = internal.IgnoreIndex
		} else {
			packedLabels[t] = ids[t+1]
		}
	}
	return ids, packedLabels
}

func (m *Causal) forward(ids []int) *mat.Dense {
	m.ids = ids
	x := m.embed.Forward(ids)
	for _, b := range m.blocks {
		x = b.forward(x, nil)
	}
	return m.lmHead.Forward(m.norm.Forward(x))
}

func (m *Causal) Loss(inputIDs, attentionMask, labels []int) float64 {
	ids, packed := m.packSequence(inputIDs, attentionMask, labels)
	if len(ids) == 0 {
		return 0
	}
	loss, _ := lossFromLogits(m.forward(ids), packed, false)
	return loss
}

func (m *Causal) LossAndGrad(inputIDs, attentionMask, labels []int) float64 {
	ids, packed := m.packSequence(inputIDs, attentionMask, labels)
	if len(ids) == 0 {
		return 0
	}
	logits := m.forward(ids)
	loss, dLogits := lossFromLogits(logits, packed, true)
	if dLogits == nil {
		return loss
	}
	dx := m.norm.Backward(m.lmHead.Backward(dLogits))
	for i := len(m.blocks) - 1; i >= 0; i-- {
		dx = m.blocks[i].backward(dx)
	}
	m.embed.Backward(m.ids, dx)
	return loss
}

func (m *Causal) Parameters() []*Tensor {
	params := []*Tensor{m.embed.W}
	for _, b := range m.blocks {
		for _, n := range b.norms() {
			params = append(params, n.G)
		}
		for _, l := range b.linears() {
			params = append(params, l.Params()...)
		}
	}
	params = append(params, m.norm.G)
	params = append(params, m.lmHead.Params()...)
	return params
}

func (m *Causal) Linears() []*Linear {
	var ls []*Linear
	for _, b := range m.blocks {
		ls = append(ls, b.linears()...)
	}
	return append(ls, m.lmHead)
}
