package ngpt

import (
	"context"
	"errors"
	"math/rand"
)

// GenerateOpts controls sampling during generation.
type GenerateOpts struct {
	MaxTokens   int
	Temperature float64
	TopK        int
	TopP        float64
	Seed        int64
}

// DecodeStep advances the cache by one token and returns the
// next-token logits for the new position.
func (m *Model) DecodeStep(cache *KVCache, id int) []float64 {
	x := m.embedVec(id)
	pos := cache.pos

	var v0 []float64
	for li, b := range m.blocks {
		var vres []float64
		if li > 0 && !m.cfg.DisableValueResidual {
			vres = v0
		}
		attnOut, values := b.attn.ForwardStep(x, pos, m.rotary, vres, cache.layer(li))
		if li == 0 {
			v0 = values
		}
		x = residualForwardVec(x, attnOut, b.attnAlpha)
		x = residualForwardVec(x, b.ff.ForwardVec(x), b.ffAlpha)
	}

	v := m.cfg.NumTokens
	var pre []float64
	if m.toLogits != nil {
		pre = m.toLogits.ForwardVec(x)
	} else {
		eff := m.tokenEmbed.EffectiveWeight().Data()
		pre = make([]float64, v)
		for j, xj := range x {
			if xj == 0 {
				continue
			}
			row := eff[j*v : (j+1)*v]
			for c, w := range row {
				pre[c] += xj * w
			}
		}
	}
	ls := m.logitScale.Values()
	for c := range pre {
		pre[c] *= ls[c]
	}

	cache.pos++
	return pre
}

// Prefill feeds the prompt through the cache and returns the logits of
// the final position, or nil for an empty prompt.
func (m *Model) Prefill(cache *KVCache, ids []int) []float64 {
	var logits []float64
	for _, id := range ids {
		logits = m.DecodeStep(cache, id)
	}
	return logits
}

// Generate samples up to opts.MaxTokens continuation tokens for the
// prompt, invoking onToken for each. A non-nil error from onToken
// stops generation and is returned. Cancellation of ctx is honored
// between tokens.
func (m *Model) Generate(ctx context.Context, prompt []int, opts GenerateOpts, onToken func(id int) error) error {
	if len(prompt) == 0 {
		return errors.New("ngpt: generate requires a non-empty prompt")
	}
	if m.cfg.NonCausal {
		return errors.New("ngpt: generate requires a causal model")
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	cache := NewKVCache(len(m.blocks))
	logits := m.Prefill(cache, prompt)

	for i := 0; i < opts.MaxTokens; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tok := Sample(rng, logits, opts.Temperature, opts.TopK, opts.TopP)
		if err := onToken(tok); err != nil {
			return err
		}
		if i+1 < opts.MaxTokens {
			logits = m.DecodeStep(cache, tok)
		}
	}
	return nil
}
