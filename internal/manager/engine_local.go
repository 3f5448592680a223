package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ngptd/pkg/ngpt"
	"ngptd/pkg/tokenizer"
	"ngptd/pkg/types"
)

const (
	defaultMaxTokens   = 128
	defaultTemperature = 0.8
)

// errStopMatched aborts the decode loop once a stop sequence fires.
var errStopMatched = errors.New("stop sequence matched")

// localEngine runs checkpoints in-process on the CPU.
type localEngine struct{}

// NewLocalEngine returns the default in-process Engine.
func NewLocalEngine() Engine { return localEngine{} }

func (localEngine) Load(path string) (ModelRunner, error) {
	mdl, err := ngpt.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if v := mdl.Config().NumTokens; v > tokenizer.VocabSize {
		return nil, fmt.Errorf("checkpoint vocab %d exceeds byte tokenizer range %d", v, tokenizer.VocabSize)
	}
	return &localRunner{model: mdl}, nil
}

// localRunner serves generations from weights held in memory. Concurrent
// Generate calls are safe (each decode owns its KV cache); admission still
// serializes them per instance.
type localRunner struct {
	model *ngpt.Model
}

func (r *localRunner) Generate(ctx context.Context, prompt string, params GenParams, onToken func(string) error) (FinalResult, error) {
	ids := tokenizer.Encode(prompt)
	if v := r.model.Config().NumTokens; v < tokenizer.VocabSize {
		for _, id := range ids {
			if id >= v {
				return FinalResult{}, fmt.Errorf("prompt byte 0x%02x outside model vocab (%d tokens)", id, v)
			}
		}
	}

	opts := ngpt.GenerateOpts{
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopK:        params.TopK,
		TopP:        params.TopP,
		Seed:        params.Seed,
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	var (
		dec     tokenizer.StreamDecoder
		scan    = newStopScanner(params.Stop)
		content strings.Builder
		tokens  int
	)
	emit := func(text string) error {
		if text == "" {
			return nil
		}
		content.WriteString(text)
		if onToken != nil {
			return onToken(text)
		}
		return nil
	}

	err := r.model.Generate(ctx, ids, opts, func(id int) error {
		tokens++
		chunk, done := scan.feed(dec.Push(id))
		if eerr := emit(chunk); eerr != nil {
			return eerr
		}
		if done {
			return errStopMatched
		}
		return nil
	})

	finish := "length"
	switch {
	case errors.Is(err, errStopMatched):
		finish = "stop"
	case err != nil:
		return FinalResult{}, err
	default:
		// Ran to the token limit: settle any partial rune, then release
		// whatever the stop scanner still holds back.
		chunk, done := scan.feed(dec.Flush())
		if eerr := emit(chunk); eerr != nil {
			return FinalResult{}, eerr
		}
		if done {
			finish = "stop"
		} else if eerr := emit(scan.flush()); eerr != nil {
			return FinalResult{}, eerr
		}
	}

	return FinalResult{
		Content: content.String(),
		Usage: types.Usage{
			PromptTokens:     len(ids),
			CompletionTokens: tokens,
			TotalTokens:      len(ids) + tokens,
		},
		FinishReason: finish,
	}, nil
}

func (r *localRunner) Close() error {
	r.model = nil
	return nil
}

// stopScanner withholds streamed text that could still grow into a stop
// sequence and truncates the stream at the first full match. Matched stop
// text is never emitted.
type stopScanner struct {
	stops []string
	tail  string
}

func newStopScanner(stops []string) *stopScanner {
	s := &stopScanner{}
	for _, st := range stops {
		if st != "" {
			s.stops = append(s.stops, st)
		}
	}
	return s
}

// feed appends decoded text and returns the part safe to emit now. done
// reports a completed stop match; the match and everything after it are
// discarded.
func (s *stopScanner) feed(text string) (emit string, done bool) {
	if len(s.stops) == 0 {
		return text, false
	}
	s.tail += text
	for _, st := range s.stops {
		if i := strings.Index(s.tail, st); i >= 0 {
			emit = s.tail[:i]
			s.tail = ""
			return emit, true
		}
	}
	// Hold the longest suffix that is a proper prefix of some stop sequence.
	hold := 0
	for _, st := range s.stops {
		limit := len(st) - 1
		if limit > len(s.tail) {
			limit = len(s.tail)
		}
		for k := limit; k > hold; k-- {
			if strings.HasSuffix(s.tail, st[:k]) {
				hold = k
				break
			}
		}
	}
	emit = s.tail[:len(s.tail)-hold]
	s.tail = s.tail[len(s.tail)-hold:]
	return emit, false
}

// flush releases held text when generation ends without a match.
func (s *stopScanner) flush() string {
	t := s.tail
	s.tail = ""
	return t
}
