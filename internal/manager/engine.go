package manager

import (
	"context"

	"ngptd/pkg/types"
)

// Engine turns a checkpoint path into a resident ModelRunner. The manager
// calls Load once per instance; the runner then serves all generations for
// that instance until it is evicted or unloaded.
type Engine interface {
	Load(path string) (ModelRunner, error)
}

// ModelRunner is a loaded model serving generations. Generate streams decoded
// text through onToken as it becomes available; returning an error from
// onToken aborts the generation.
type ModelRunner interface {
	Generate(ctx context.Context, prompt string, params GenParams, onToken func(string) error) (FinalResult, error)
	// Close releases the weights and any per-instance buffers.
	Close() error
}

// GenParams carries per-request sampling knobs from the API to the runner.
type GenParams struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
	Stop        []string
	Seed        int64
}

// FinalResult summarizes a finished generation.
type FinalResult struct {
	Content      string
	Usage        types.Usage
	FinishReason string
}
