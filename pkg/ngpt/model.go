// Package ngpt implements the normalized transformer: a GPT variant
// whose embeddings, weight vectors and hidden states live on the unit
// hypersphere. Linear weights are renormalized along the model
// dimension, residual connections interpolate on the sphere with
// learned per-dimension rates, and learned scale vectors restore the
// degrees of freedom that normalization removes.
package ngpt

import (
	"fmt"
	"math"
	"math/rand"

	"ngptd/pkg/tensor"
)

// Config describes a model. Zero values select the defaults noted on
// each field; boolean options are named so that the zero value is the
// default behavior.
type Config struct {
	NumTokens int `json:"num_tokens"`
	Dim       int `json:"dim"`
	Depth     int `json:"depth"`

	Heads    int     `json:"heads,omitempty"`     // default 8
	HeadDim  int     `json:"head_dim,omitempty"`  // default 64
	FFExpand float64 `json:"ff_expand,omitempty"` // default 4

	DisableQKNorm        bool `json:"disable_qk_norm,omitempty"`
	NonCausal            bool `json:"non_causal,omitempty"`
	DisableValueResidual bool `json:"disable_value_residual,omitempty"`
	TiedEmbedding        bool `json:"tied_embedding,omitempty"`
	ManualNormWeights    bool `json:"manual_norm_weights,omitempty"`

	// NormEps widens the unit-norm constraint to a tolerance band
	// [1-eps, 1+eps]. Groups splits vectors into that many
	// independently normalized hyperspheres.
	NormEps float64 `json:"norm_eps,omitempty"`
	Groups  int     `json:"groups,omitempty"` // default 1

	// IgnoreIndex marks label positions excluded from the loss.
	// Default -1.
	IgnoreIndex int `json:"ignore_index,omitempty"`

	// AlphaInit seeds the residual interpolation rates for all layers
	// unless overridden per branch below. Default 1/Depth.
	AlphaInit float64 `json:"alpha_init,omitempty"`

	// Per-layer scale hyperparameters. Each accepts zero entries
	// (default), one entry (broadcast) or Depth entries.
	AlphaAttnInit  []float64 `json:"alpha_attn_init,omitempty"`
	AlphaAttnScale []float64 `json:"alpha_attn_scale,omitempty"` // default Dim^-0.5
	AlphaFFInit    []float64 `json:"alpha_ff_init,omitempty"`
	AlphaFFScale   []float64 `json:"alpha_ff_scale,omitempty"` // default Dim^-0.5
	SQKInit        []float64 `json:"s_qk_init,omitempty"`      // default 1
	SQKScale       []float64 `json:"s_qk_scale,omitempty"`     // default Dim^-1
	SFFHiddenInit  []float64 `json:"s_ff_hidden_init,omitempty"`
	SFFHiddenScale []float64 `json:"s_ff_hidden_scale,omitempty"`
	SFFGateInit    []float64 `json:"s_ff_gate_init,omitempty"`
	SFFGateScale   []float64 `json:"s_ff_gate_scale,omitempty"`

	SLogitInit  float64 `json:"s_logit_init,omitempty"`  // default 1
	SLogitScale float64 `json:"s_logit_scale,omitempty"` // default Dim^-0.5

	// InitSeed seeds weight initialization for reproducible models.
	InitSeed int64 `json:"init_seed,omitempty"`
}

func (c *Config) normalize() {
	if c.Heads == 0 {
		c.Heads = 8
	}
	if c.HeadDim == 0 {
		c.HeadDim = 64
	}
	if c.FFExpand == 0 {
		c.FFExpand = 4
	}
	if c.Groups == 0 {
		c.Groups = 1
	}
	if c.IgnoreIndex == 0 {
		c.IgnoreIndex = -1
	}
	if c.AlphaInit == 0 && c.Depth > 0 {
		c.AlphaInit = 1 / float64(c.Depth)
	}
	if c.SLogitInit == 0 {
		c.SLogitInit = 1
	}
	if c.SLogitScale == 0 && c.Dim > 0 {
		c.SLogitScale = 1 / math.Sqrt(float64(c.Dim))
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.NumTokens < 1 {
		return fmt.Errorf("num_tokens must be positive, got %d", c.NumTokens)
	}
	if c.Dim < 1 {
		return fmt.Errorf("dim must be positive, got %d", c.Dim)
	}
	if c.Depth < 1 {
		return fmt.Errorf("depth must be positive, got %d", c.Depth)
	}
	if c.Heads < 1 {
		return fmt.Errorf("heads must be positive, got %d", c.Heads)
	}
	if c.HeadDim < 2 || c.HeadDim%2 != 0 {
		return fmt.Errorf("head_dim must be even and positive, got %d", c.HeadDim)
	}
	if c.Groups < 1 {
		return fmt.Errorf("groups must be positive, got %d", c.Groups)
	}
	if c.Dim%c.Groups != 0 {
		return fmt.Errorf("dim %d not divisible by %d groups", c.Dim, c.Groups)
	}
	if c.HeadDim%c.Groups != 0 {
		return fmt.Errorf("head_dim %d not divisible by %d groups", c.HeadDim, c.Groups)
	}
	if int(float64(c.Dim)*c.FFExpand*2/3) < 1 {
		return fmt.Errorf("ff_expand %v collapses the feedforward width", c.FFExpand)
	}
	for name, vals := range map[string][]float64{
		"alpha_attn_init":   c.AlphaAttnInit,
		"alpha_attn_scale":  c.AlphaAttnScale,
		"alpha_ff_init":     c.AlphaFFInit,
		"alpha_ff_scale":    c.AlphaFFScale,
		"s_qk_init":         c.SQKInit,
		"s_qk_scale":        c.SQKScale,
		"s_ff_hidden_init":  c.SFFHiddenInit,
		"s_ff_hidden_scale": c.SFFHiddenScale,
		"s_ff_gate_init":    c.SFFGateInit,
		"s_ff_gate_scale":   c.SFFGateScale,
	} {
		if len(vals) > 1 && len(vals) != c.Depth {
			return fmt.Errorf("%s has %d entries, want 1 or %d", name, len(vals), c.Depth)
		}
	}
	return nil
}

// perLayer resolves a scalar-or-per-layer hyperparameter to one value
// per layer. Validate has already checked lengths.
func perLayer(vals []float64, def float64, depth int) []float64 {
	out := make([]float64, depth)
	switch len(vals) {
	case 0:
		for i := range out {
			out[i] = def
		}
	case 1:
		for i := range out {
			out[i] = vals[0]
		}
	default:
		copy(out, vals)
	}
	return out
}

// Block pairs one attention and one feedforward branch with their
// residual interpolation scales.
type Block struct {
	attn      *Attention
	attnAlpha *Scale
	ff        *FeedForward
	ffAlpha   *Scale
}

// Model is a normalized transformer language model.
type Model struct {
	cfg Config

	tokenEmbed *NormLinear
	rotary     *Rotary
	blocks     []*Block
	toLogits   *NormLinear // nil with tied embeddings
	logitScale *Scale
}

// New builds a model from cfg, applying defaults for zero fields.
func New(cfg Config) (*Model, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.InitSeed))
	parametrized := !cfg.ManualNormWeights
	dimScale := 1 / math.Sqrt(float64(cfg.Dim))

	alphaAttnInit := perLayer(cfg.AlphaAttnInit, cfg.AlphaInit, cfg.Depth)
	alphaAttnScale := perLayer(cfg.AlphaAttnScale, dimScale, cfg.Depth)
	alphaFFInit := perLayer(cfg.AlphaFFInit, cfg.AlphaInit, cfg.Depth)
	alphaFFScale := perLayer(cfg.AlphaFFScale, dimScale, cfg.Depth)
	sQKInit := perLayer(cfg.SQKInit, 1, cfg.Depth)
	sQKScale := perLayer(cfg.SQKScale, 1/float64(cfg.Dim), cfg.Depth)
	sFFHiddenInit := perLayer(cfg.SFFHiddenInit, 1, cfg.Depth)
	sFFHiddenScale := perLayer(cfg.SFFHiddenScale, 1, cfg.Depth)
	sFFGateInit := perLayer(cfg.SFFGateInit, 1, cfg.Depth)
	sFFGateScale := perLayer(cfg.SFFGateScale, 1, cfg.Depth)

	m := &Model{
		cfg:        cfg,
		tokenEmbed: NewNormLinear(rng, cfg.Dim, cfg.NumTokens, true, parametrized, cfg.NormEps, cfg.Groups),
		rotary:     NewRotary(cfg.HeadDim),
		logitScale: NewScale(cfg.NumTokens, cfg.SLogitInit, cfg.SLogitScale),
	}

	for i := 0; i < cfg.Depth; i++ {
		m.blocks = append(m.blocks, &Block{
			attn: newAttention(rng, cfg.Dim, cfg.HeadDim, cfg.Heads,
				!cfg.DisableQKNorm, !cfg.NonCausal, parametrized,
				sQKInit[i], sQKScale[i], cfg.NormEps, cfg.Groups),
			attnAlpha: NewScale(cfg.Dim, alphaAttnInit[i], alphaAttnScale[i]),
			ff: newFeedForward(rng, cfg.Dim, cfg.FFExpand, parametrized,
				sFFHiddenInit[i], sFFHiddenScale[i], sFFGateInit[i], sFFGateScale[i],
				cfg.NormEps, cfg.Groups),
			ffAlpha: NewScale(cfg.Dim, alphaFFInit[i], alphaFFScale[i]),
		})
	}

	if !cfg.TiedEmbedding {
		m.toLogits = NewNormLinear(rng, cfg.Dim, cfg.NumTokens, true, parametrized, cfg.NormEps, cfg.Groups)
	}
	return m, nil
}

// Config returns the normalized configuration the model was built with.
func (m *Model) Config() Config { return m.cfg }

// Depth returns the number of transformer blocks.
func (m *Model) Depth() int { return m.cfg.Depth }

// embed looks up unit-norm embeddings for ids, shape (len(ids), dim).
func (m *Model) embed(ids []int) *tensor.Tensor {
	eff := m.tokenEmbed.EffectiveWeight().Data()
	v := m.cfg.NumTokens
	x := tensor.New(len(ids), m.cfg.Dim)
	for i, id := range ids {
		if id < 0 || id >= v {
			panic(fmt.Sprintf("ngpt: token id %d out of range [0,%d)", id, v))
		}
		row := x.Row(i)
		for j := 0; j < m.cfg.Dim; j++ {
			row[j] = eff[j*v+id]
		}
	}
	return x
}

// embedVec looks up the embedding of a single token.
func (m *Model) embedVec(id int) []float64 {
	v := m.cfg.NumTokens
	if id < 0 || id >= v {
		panic(fmt.Sprintf("ngpt: token id %d out of range [0,%d)", id, v))
	}
	eff := m.tokenEmbed.EffectiveWeight().Data()
	out := make([]float64, m.cfg.Dim)
	for j := 0; j < m.cfg.Dim; j++ {
		out[j] = eff[j*v+id]
	}
	return out
}

// fwdState captures one forward pass for Backward.
type fwdState struct {
	attnStates []attnState
	attnRes    []residualState
	attnMixed  []bool
	ffStates   []ffState
	ffRes      []residualState

	ids       []int
	xFinal    *tensor.Tensor
	logitsPre *tensor.Tensor
	lsVals    []float64
}

func (m *Model) forward(ids []int, mask []bool, st *fwdState, collect bool) (*tensor.Tensor, []*tensor.Tensor) {
	if len(ids) == 0 {
		panic("ngpt: forward on empty sequence")
	}
	if st != nil {
		st.ids = ids
		st.attnStates = make([]attnState, len(m.blocks))
		st.attnRes = make([]residualState, len(m.blocks))
		st.attnMixed = make([]bool, len(m.blocks))
		st.ffStates = make([]ffState, len(m.blocks))
		st.ffRes = make([]residualState, len(m.blocks))
	}

	x := m.embed(ids)

	var hiddens []*tensor.Tensor
	if collect {
		hiddens = append(hiddens, x)
	}

	var firstValues *tensor.Tensor
	for li, b := range m.blocks {
		var ast *attnState
		var ares, fres *residualState
		var fst *ffState
		if st != nil {
			ast = &st.attnStates[li]
			ares = &st.attnRes[li]
			fst = &st.ffStates[li]
			fres = &st.ffRes[li]
		}

		var vres *tensor.Tensor
		if !m.cfg.DisableValueResidual {
			vres = firstValues
		}
		attnOut, values := b.attn.Forward(x, m.rotary, mask, vres, ast)
		if st != nil {
			st.attnMixed[li] = vres != nil
		}
		x = residualForward(x, attnOut, b.attnAlpha, ares)
		if collect {
			hiddens = append(hiddens, x)
		}
		if firstValues == nil {
			firstValues = values
		}

		ffOut := b.ff.Forward(x, fst)
		x = residualForward(x, ffOut, b.ffAlpha, fres)
		if collect {
			hiddens = append(hiddens, x)
		}
	}

	var logitsPre *tensor.Tensor
	if m.toLogits != nil {
		logitsPre = m.toLogits.Forward(x)
	} else {
		logitsPre = tensor.MatMul(x, m.tokenEmbed.EffectiveWeight())
	}

	ls := m.logitScale.Values()
	logits := tensor.New(len(ids), m.cfg.NumTokens)
	for i := 0; i < len(ids); i++ {
		pre := logitsPre.Row(i)
		out := logits.Row(i)
		for c := 0; c < m.cfg.NumTokens; c++ {
			out[c] = pre[c] * ls[c]
		}
	}

	if st != nil {
		st.xFinal = x
		st.logitsPre = logitsPre
		st.lsVals = ls
	}
	return logits, hiddens
}

// Forward returns next-token logits of shape (len(ids), numTokens).
func (m *Model) Forward(ids []int) *tensor.Tensor {
	logits, _ := m.forward(ids, nil, nil, false)
	return logits
}

// ForwardMasked runs a non-causal forward with a key padding mask;
// mask[j] marks position j attendable. Positions see only unmasked
// keys, and a fully masked sequence yields zero attention branches.
func (m *Model) ForwardMasked(ids []int, mask []bool) *tensor.Tensor {
	if !m.cfg.NonCausal {
		panic("ngpt: padding masks require a non-causal model")
	}
	if len(mask) != len(ids) {
		panic(fmt.Sprintf("ngpt: mask length %d does not match %d ids", len(mask), len(ids)))
	}
	logits, _ := m.forward(ids, mask, nil, false)
	return logits
}

// ForwardHiddens additionally returns the hidden-state trajectory: the
// token embeddings plus the state after every attention and
// feedforward residual update.
func (m *Model) ForwardHiddens(ids []int) (*tensor.Tensor, []*tensor.Tensor) {
	return m.forward(ids, nil, nil, true)
}

// Loss computes the autoregressive cross-entropy of ids, using
// ids[:n-1] as input and ids[1:] as labels.
func (m *Model) Loss(ids []int) float64 {
	in, labels := splitAutoregressive(ids)
	logits, _ := m.forward(in, nil, nil, false)
	return CrossEntropy(logits, labels, m.cfg.IgnoreIndex)
}

// LossBackward computes Loss and accumulates parameter gradients.
func (m *Model) LossBackward(ids []int) float64 {
	in, labels := splitAutoregressive(ids)
	var st fwdState
	logits, _ := m.forward(in, nil, &st, false)
	loss := CrossEntropy(logits, labels, m.cfg.IgnoreIndex)
	dLogits := crossEntropyBackward(logits, labels, m.cfg.IgnoreIndex)
	m.backward(&st, dLogits)
	return loss
}

func splitAutoregressive(ids []int) (in, labels []int) {
	if len(ids) < 2 {
		panic("ngpt: autoregressive loss needs at least two tokens")
	}
	return ids[:len(ids)-1], ids[1:]
}

func (m *Model) backward(st *fwdState, dLogits *tensor.Tensor) {
	n := len(st.ids)
	v := m.cfg.NumTokens

	// Logit scale backward.
	dls := make([]float64, v)
	dPre := tensor.New(n, v)
	for i := 0; i < n; i++ {
		dl := dLogits.Row(i)
		pre := st.logitsPre.Row(i)
		dp := dPre.Row(i)
		for c := 0; c < v; c++ {
			dls[c] += dl[c] * pre[c]
			dp[c] = dl[c] * st.lsVals[c]
		}
	}
	m.logitScale.AccumGrad(dls)

	// Output projection backward.
	var dx *tensor.Tensor
	if m.toLogits != nil {
		dx = m.toLogits.Backward(st.xFinal, dPre)
	} else {
		eff := m.tokenEmbed.EffectiveWeight()
		dx = tensor.MatMul(dPre, tensor.Transpose(eff))
		dEff := tensor.MatMul(tensor.Transpose(st.xFinal), dPre)
		m.tokenEmbed.accumWeightGrad(dEff.Data())
	}

	// Blocks in reverse, routing value-residual gradients to layer 0.
	var dV0 *tensor.Tensor
	for li := len(m.blocks) - 1; li >= 0; li-- {
		b := m.blocks[li]

		dxSkip, dBranch := residualBackward(&st.ffRes[li], b.ffAlpha, dx)
		dxFF := b.ff.Backward(&st.ffStates[li], dBranch)
		dx = dxSkip
		for i, g := range dxFF.Data() {
			dx.Data()[i] += g
		}

		dxSkip, dBranch = residualBackward(&st.attnRes[li], b.attnAlpha, dx)
		var extra *tensor.Tensor
		if li == 0 {
			extra = dV0
		}
		dxAttn, dVres := b.attn.Backward(&st.attnStates[li], m.rotary, dBranch, st.attnMixed[li], extra)
		dx = dxSkip
		for i, g := range dxAttn.Data() {
			dx.Data()[i] += g
		}
		if dVres != nil {
			if dV0 == nil {
				dV0 = dVres.Clone()
			} else {
				for i, g := range dVres.Data() {
					dV0.Data()[i] += g
				}
			}
		}
	}

	// Embedding backward: scatter position gradients into the columns
	// of the embedding weight.
	dEmb := make([]float64, m.cfg.Dim*v)
	for i, id := range st.ids {
		row := dx.Row(i)
		for j := 0; j < m.cfg.Dim; j++ {
			dEmb[j*v+id] += row[j]
		}
	}
	m.tokenEmbed.accumWeightGrad(dEmb)
}

// NormWeights renormalizes every linear weight onto the hypersphere.
// Training registers this as a post-step hook.
func (m *Model) NormWeights() {
	m.tokenEmbed.NormWeights()
	for _, b := range m.blocks {
		b.attn.toQ.NormWeights()
		b.attn.toK.NormWeights()
		b.attn.toV.NormWeights()
		b.attn.toOut.NormWeights()
		b.ff.toHidden.NormWeights()
		b.ff.toGate.NormWeights()
		b.ff.toOut.NormWeights()
	}
	if m.toLogits != nil {
		m.toLogits.NormWeights()
	}
}

// Parameters returns all trainable tensors in a stable order. The
// checkpoint format depends on this order.
func (m *Model) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{m.tokenEmbed.Weight()}
	for _, b := range m.blocks {
		params = append(params,
			b.attn.toQ.Weight(),
			b.attn.toK.Weight(),
			b.attn.toV.Weight(),
			b.attn.toOut.Weight(),
			b.attn.qkScale.Param(),
			b.attnAlpha.Param(),
			b.ff.toHidden.Weight(),
			b.ff.toGate.Weight(),
			b.ff.toOut.Weight(),
			b.ff.hiddenScale.Param(),
			b.ff.gateScale.Param(),
			b.ffAlpha.Param(),
		)
	}
	if m.toLogits != nil {
		params = append(params, m.toLogits.Weight())
	}
	params = append(params, m.logitScale.Param())
	return params
}

// ParamCount returns the total number of trainable scalars.
func (m *Model) ParamCount() int64 {
	var n int64
	for _, p := range m.Parameters() {
		n += int64(p.Size())
	}
	return n
}

// ZeroGrad clears every parameter gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}
