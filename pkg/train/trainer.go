// Package train drives gradient descent for ngpt models over byte
// corpora: optimizers with post-step hooks, learning rate schedules,
// gradient clipping and a training loop with periodic validation,
// sampling and checkpointing.
package train

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ngptd/pkg/ngpt"
	"ngptd/pkg/tokenizer"
)

// Config controls a training run. Zero values select the defaults
// noted on each field.
type Config struct {
	Steps     int
	BatchSize int     // sequences accumulated per step, default 4
	GradClip  float64 // global gradient norm cap, 0 disables

	Schedule Schedule // default Constant(1e-3)

	LogEvery      int // steps between progress lines, default 10
	ValidateEvery int // steps between validation passes, 0 disables
	ValBatches    int // sequences per validation pass, default 8
	ValWorkers    int // parallel validation workers, default 4

	SampleEvery int // steps between sampled continuations, 0 disables
	SampleLen   int // tokens per sampled continuation, default 512
	PrimeLen    int // prompt tokens taken from validation data, default 128

	CheckpointPath  string
	CheckpointEvery int // steps between checkpoints, 0 saves only at the end

	Seed   int64
	Logger *zerolog.Logger // nil discards progress output
}

func (c *Config) normalize() {
	if c.BatchSize == 0 {
		c.BatchSize = 4
	}
	if c.Schedule == nil {
		c.Schedule = Constant(1e-3)
	}
	if c.LogEvery == 0 {
		c.LogEvery = 10
	}
	if c.ValBatches == 0 {
		c.ValBatches = 8
	}
	if c.ValWorkers == 0 {
		c.ValWorkers = 4
	}
	if c.SampleLen == 0 {
		c.SampleLen = 512
	}
	if c.PrimeLen == 0 {
		c.PrimeLen = 128
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// Trainer runs the optimization loop for one model.
type Trainer struct {
	model *ngpt.Model
	opt   Optimizer
	train *Dataset
	val   *Dataset
	cfg   Config
	rng   *rand.Rand
	log   zerolog.Logger
}

// New wires a trainer. valSet may be nil, which disables validation
// and sampling. When the model keeps weights on the sphere manually,
// its renormalization is registered as a post-step hook on opt.
func New(model *ngpt.Model, opt Optimizer, trainSet, valSet *Dataset, cfg Config) (*Trainer, error) {
	if model == nil || opt == nil || trainSet == nil {
		return nil, errors.New("train: model, optimizer and training data are required")
	}
	if cfg.Steps < 1 {
		return nil, fmt.Errorf("train: steps must be positive, got %d", cfg.Steps)
	}
	cfg.normalize()

	if model.Config().ManualNormWeights {
		hooked, ok := opt.(interface{ OnStep(func()) })
		if !ok {
			return nil, errors.New("train: optimizer cannot host the weight renormalization hook")
		}
		hooked.OnStep(model.NormWeights)
	}

	return &Trainer{
		model: model,
		opt:   opt,
		train: trainSet,
		val:   valSet,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		log:   *cfg.Logger,
	}, nil
}

// Run executes the configured number of steps, honoring ctx between
// steps.
func (t *Trainer) Run(ctx context.Context) error {
	params := t.model.Parameters()
	start := time.Now()

	for step := 0; step < t.cfg.Steps; step++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.model.ZeroGrad()
		var loss float64
		for b := 0; b < t.cfg.BatchSize; b++ {
			loss += t.model.LossBackward(t.train.Sample(t.rng))
		}
		loss /= float64(t.cfg.BatchSize)
		if t.cfg.BatchSize > 1 {
			scale := 1 / float64(t.cfg.BatchSize)
			for _, p := range params {
				grad := p.Grad()
				for j := range grad {
					grad[j] *= scale
				}
			}
		}

		gradNorm := ClipGradNorm(params, t.cfg.GradClip)
		lr := t.cfg.Schedule.LR(step)
		t.opt.Step(params, lr)

		if (step+1)%t.cfg.LogEvery == 0 || step == 0 {
			t.log.Info().
				Int("step", step).
				Float64("loss", loss).
				Float64("lr", lr).
				Float64("grad_norm", gradNorm).
				Msg("train")
		}

		if t.val != nil && t.cfg.ValidateEvery > 0 && (step+1)%t.cfg.ValidateEvery == 0 {
			valLoss, err := t.Validate(ctx)
			if err != nil {
				return err
			}
			t.log.Info().Int("step", step).Float64("val_loss", valLoss).Msg("validate")
		}

		if t.val != nil && t.cfg.SampleEvery > 0 && (step+1)%t.cfg.SampleEvery == 0 {
			if err := t.logSample(ctx, step); err != nil {
				return err
			}
		}

		if t.cfg.CheckpointPath != "" && t.cfg.CheckpointEvery > 0 && (step+1)%t.cfg.CheckpointEvery == 0 {
			if err := t.model.Save(t.cfg.CheckpointPath); err != nil {
				return fmt.Errorf("checkpoint at step %d: %w", step, err)
			}
			t.log.Info().Int("step", step).Str("path", t.cfg.CheckpointPath).Msg("checkpoint")
		}
	}

	if t.cfg.CheckpointPath != "" {
		if err := t.model.Save(t.cfg.CheckpointPath); err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
	}
	t.log.Info().Dur("elapsed", time.Since(start)).Int("steps", t.cfg.Steps).Msg("training done")
	return nil
}

// Validate estimates the mean validation loss over ValBatches windows,
// evaluating them in parallel.
func (t *Trainer) Validate(ctx context.Context) (float64, error) {
	if t.val == nil {
		return 0, errors.New("train: no validation data")
	}
	// Windows are drawn on the caller's goroutine to keep rng use
	// deterministic; only the forward passes fan out.
	seqs := make([][]int, t.cfg.ValBatches)
	for i := range seqs {
		seqs[i] = t.val.Sample(t.rng)
	}

	losses := make([]float64, len(seqs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.ValWorkers)
	for i := range seqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			losses[i] = t.model.Loss(seqs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var mean float64
	for _, l := range losses {
		mean += l
	}
	return mean / float64(len(losses)), nil
}

// logSample generates a continuation from a validation prime and logs
// it, mirroring the usual eyeball check during byte-level training.
func (t *Trainer) logSample(ctx context.Context, step int) error {
	window := t.val.Sample(t.rng)
	primeLen := t.cfg.PrimeLen
	if primeLen > len(window) {
		primeLen = len(window)
	}
	prime := window[:primeLen]

	var out []int
	opts := ngpt.GenerateOpts{
		MaxTokens:   t.cfg.SampleLen,
		Temperature: 1,
		Seed:        t.rng.Int63(),
	}
	err := t.model.Generate(ctx, prime, opts, func(id int) error {
		out = append(out, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("sample at step %d: %w", step, err)
	}
	t.log.Info().
		Int("step", step).
		Str("prime", tokenizer.Printable(prime)).
		Str("sample", tokenizer.Printable(out)).
		Msg("sample")
	return nil
}
