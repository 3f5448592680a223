package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ngptd/internal/manager"
)

type generateOptions struct {
	checkpoint  string
	prompt      string
	maxTokens   int
	temperature float64
	topK        int
	topP        float64
	stop        string
	seed        int64
	stats       bool
}

func buildGenerateCmd() *cobra.Command {
	var opts generateOptions
	cmd := &cobra.Command{
		Use:   "generate <checkpoint.ngpt>",
		Short: "Sample a continuation from a checkpoint to stdout",
		Example: "  ngptd generate enwik8.ngpt --prompt 'The normalized ' --max-tokens 256\n" +
			"  ngptd generate model.ngpt -p 'once upon' --temperature 0.7 --stop $'\\n\\n'",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.checkpoint = args[0]
			return fnGenerate(opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.prompt, "prompt", "p", "", "Prompt text")
	f.IntVar(&opts.maxTokens, "max-tokens", 256, "Maximum tokens to generate")
	f.Float64Var(&opts.temperature, "temperature", 0.8, "Sampling temperature")
	f.IntVar(&opts.topK, "top-k", 0, "Keep only the k most likely tokens (0=off)")
	f.Float64Var(&opts.topP, "top-p", 0, "Nucleus sampling mass (0=off)")
	f.StringVar(&opts.stop, "stop", "", "Comma-separated stop sequences")
	f.Int64Var(&opts.seed, "seed", 0, "Sampling seed (0=random)")
	f.BoolVar(&opts.stats, "stats", false, "Print token usage to stderr when done")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func fnGenerate(opts generateOptions) error {
	runner, err := manager.NewLocalEngine().Load(opts.checkpoint)
	if err != nil {
		return err
	}
	defer runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := manager.GenParams{
		Temperature: opts.temperature,
		TopP:        opts.topP,
		TopK:        opts.topK,
		MaxTokens:   opts.maxTokens,
		Stop:        splitCSV(opts.stop),
		Seed:        opts.seed,
	}
	final, err := runner.Generate(ctx, opts.prompt, params, func(tok string) error {
		_, werr := os.Stdout.WriteString(tok)
		return werr
	})
	fmt.Println()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if opts.stats {
		fmt.Fprintf(os.Stderr, "prompt=%d completion=%d total=%d finish=%s\n",
			final.Usage.PromptTokens, final.Usage.CompletionTokens, final.Usage.TotalTokens, final.FinishReason)
	}
	return nil
}
