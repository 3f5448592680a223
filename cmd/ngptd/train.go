package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ngptd/pkg/ngpt"
	"ngptd/pkg/tokenizer"
	"ngptd/pkg/train"
)

type trainOptions struct {
	data   string
	out    string
	resume string

	dim        int
	depth      int
	heads      int
	headDim    int
	ffExpand   float64
	tied       bool
	manualNorm bool

	seqLen    int
	batch     int
	steps     int
	lr        float64
	minLR     float64
	warmup    int
	gradClip  float64
	trainFrac float64

	logEvery        int
	validateEvery   int
	valBatches      int
	sampleEvery     int
	sampleLen       int
	checkpointEvery int
	seed            int64
}

func buildTrainCmd() *cobra.Command {
	var opts trainOptions
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a byte-level model on a text corpus",
		Example: "  ngptd train --data enwik8.txt --out ~/models/ngpt/enwik8.ngpt --steps 10000\n" +
			"  ngptd train --data corpus.txt --out small.ngpt --dim 128 --depth 4 --heads 4 --head-dim 32",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fnTrain(opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.data, "data", "", "Training corpus (raw bytes)")
	f.StringVar(&opts.out, "out", "", "Checkpoint output path")
	f.StringVar(&opts.resume, "resume", "", "Continue training from an existing checkpoint")
	f.IntVar(&opts.dim, "dim", 512, "Model dimension")
	f.IntVar(&opts.depth, "depth", 8, "Transformer layers")
	f.IntVar(&opts.heads, "heads", 8, "Attention heads")
	f.IntVar(&opts.headDim, "head-dim", 64, "Dimension per head")
	f.Float64Var(&opts.ffExpand, "ff-expand", 4, "Feedforward expansion factor")
	f.BoolVar(&opts.tied, "tied", false, "Tie input and output embeddings")
	f.BoolVar(&opts.manualNorm, "manual-norm", false, "Renormalize weights after each optimizer step instead of on read")
	f.IntVar(&opts.seqLen, "seq-len", 512, "Training window length")
	f.IntVar(&opts.batch, "batch", 4, "Sequences per optimization step")
	f.IntVar(&opts.steps, "steps", 10000, "Optimization steps")
	f.Float64Var(&opts.lr, "lr", 1e-3, "Peak learning rate")
	f.Float64Var(&opts.minLR, "min-lr", 1e-4, "Floor learning rate for cosine decay")
	f.IntVar(&opts.warmup, "warmup", 0, "Warmup steps; 0 keeps the rate constant")
	f.Float64Var(&opts.gradClip, "grad-clip", 0, "Global gradient norm cap (0=off)")
	f.Float64Var(&opts.trainFrac, "train-frac", 0.9, "Fraction of the corpus used for training; the tail validates")
	f.IntVar(&opts.logEvery, "log-every", 10, "Steps between progress lines")
	f.IntVar(&opts.validateEvery, "validate-every", 100, "Steps between validation passes (0=off)")
	f.IntVar(&opts.valBatches, "val-batches", 8, "Sequences per validation pass")
	f.IntVar(&opts.sampleEvery, "sample-every", 500, "Steps between logged sample continuations (0=off)")
	f.IntVar(&opts.sampleLen, "sample-len", 512, "Tokens per sample continuation")
	f.IntVar(&opts.checkpointEvery, "checkpoint-every", 1000, "Steps between checkpoints (0=save only at the end)")
	f.Int64Var(&opts.seed, "seed", 42, "Seed for init and batch sampling")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func fnTrain(opts trainOptions) error {
	logger := newLogger()

	var model *ngpt.Model
	var err error
	if opts.resume != "" {
		model, err = ngpt.Load(opts.resume)
		if err == nil {
			logger.Info().Str("checkpoint", opts.resume).Msg("resuming")
		}
	} else {
		model, err = ngpt.New(ngpt.Config{
			NumTokens:         tokenizer.VocabSize,
			Dim:               opts.dim,
			Depth:             opts.depth,
			Heads:             opts.heads,
			HeadDim:           opts.headDim,
			FFExpand:          opts.ffExpand,
			TiedEmbedding:     opts.tied,
			ManualNormWeights: opts.manualNorm,
			InitSeed:          opts.seed,
		})
	}
	if err != nil {
		return err
	}
	logger.Info().Int64("params", model.ParamCount()).Msg("model ready")

	ds, err := train.LoadDataset(opts.data, opts.seqLen)
	if err != nil {
		return err
	}
	trainSet, valSet, err := ds.Split(opts.trainFrac)
	if err != nil {
		return err
	}

	var sched train.Schedule = train.Constant(opts.lr)
	if opts.warmup > 0 {
		sched = train.WarmupCosine{Base: opts.lr, Min: opts.minLR, WarmupSteps: opts.warmup, TotalSteps: opts.steps}
	}
	t, err := train.New(model, train.NewAdam(), trainSet, valSet, train.Config{
		Steps:           opts.steps,
		BatchSize:       opts.batch,
		GradClip:        opts.gradClip,
		Schedule:        sched,
		LogEvery:        opts.logEvery,
		ValidateEvery:   opts.validateEvery,
		ValBatches:      opts.valBatches,
		SampleEvery:     opts.sampleEvery,
		SampleLen:       opts.sampleLen,
		CheckpointPath:  opts.out,
		CheckpointEvery: opts.checkpointEvery,
		Seed:            opts.seed,
		Logger:          &logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := t.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			// Keep the progress made so far.
			if serr := model.Save(opts.out); serr != nil {
				logger.Error().Err(serr).Msg("checkpoint after interrupt failed")
				return serr
			}
			logger.Warn().Str("checkpoint", opts.out).Msg("training interrupted, checkpoint saved")
			return nil
		}
		return err
	}
	return nil
}
