package manager

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"ngptd/pkg/ngpt"
)

// saveTinyCheckpoint writes a small real checkpoint and returns its path.
func saveTinyCheckpoint(t *testing.T, dir, name string) string {
	t.Helper()
	mdl, err := ngpt.New(ngpt.Config{
		NumTokens: 256,
		Dim:       8,
		Depth:     1,
		Heads:     2,
		HeadDim:   4,
		InitSeed:  7,
	})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := mdl.Save(p); err != nil {
		t.Fatalf("save: %v", err)
	}
	return p
}

func TestLocalEngineLoadAndGenerate(t *testing.T) {
	dir := t.TempDir()
	p := saveTinyCheckpoint(t, dir, "tiny.ngpt")

	runner, err := NewLocalEngine().Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer runner.Close()

	var streamed strings.Builder
	final, err := runner.Generate(context.Background(), "hello", GenParams{MaxTokens: 12, Seed: 5}, func(tok string) error {
		streamed.WriteString(tok)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if final.Content != streamed.String() {
		t.Fatalf("final content %q != streamed %q", final.Content, streamed.String())
	}
	if final.Usage.PromptTokens != 5 {
		t.Fatalf("prompt tokens = %d, want 5", final.Usage.PromptTokens)
	}
	if final.Usage.CompletionTokens != 12 {
		t.Fatalf("completion tokens = %d, want 12", final.Usage.CompletionTokens)
	}
	if final.Usage.TotalTokens != 17 {
		t.Fatalf("total tokens = %d, want 17", final.Usage.TotalTokens)
	}
	if final.FinishReason != "length" {
		t.Fatalf("finish reason = %q, want length", final.FinishReason)
	}
}

func TestLocalEngineDeterministicWithSeed(t *testing.T) {
	dir := t.TempDir()
	p := saveTinyCheckpoint(t, dir, "tiny.ngpt")
	eng := NewLocalEngine()

	run := func() string {
		runner, err := eng.Load(p)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		defer runner.Close()
		final, err := runner.Generate(context.Background(), "abc", GenParams{MaxTokens: 16, Seed: 99, Temperature: 1.0}, nil)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return final.Content
	}
	if a, b := run(), run(); a != b {
		t.Fatalf("same seed produced different content: %q vs %q", a, b)
	}
}

func TestLocalEngineLoadRejectsMissingFile(t *testing.T) {
	if _, err := NewLocalEngine().Load("/does/not/exist.ngpt"); err == nil {
		t.Fatalf("expected error for missing checkpoint")
	}
}

func TestLocalEngineHonorsContext(t *testing.T) {
	dir := t.TempDir()
	p := saveTinyCheckpoint(t, dir, "tiny.ngpt")
	runner, err := NewLocalEngine().Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer runner.Close()

	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	_, err = runner.Generate(ctx, "hello", GenParams{MaxTokens: 1000}, func(string) error {
		n++
		if n == 3 {
			cancel()
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	cancel()
}

func TestStopScannerExactMatch(t *testing.T) {
	s := newStopScanner([]string{"END"})
	emit, done := s.feed("hello ")
	if emit != "hello " || done {
		t.Fatalf("feed 1: emit=%q done=%v", emit, done)
	}
	emit, done = s.feed("world END more")
	if !done {
		t.Fatalf("expected stop match")
	}
	if emit != "world " {
		t.Fatalf("emit = %q, want %q", emit, "world ")
	}
}

func TestStopScannerHoldsPartialPrefix(t *testing.T) {
	s := newStopScanner([]string{"STOP"}) // 4 bytes
	emit, done := s.feed("abcST")
	if done {
		t.Fatalf("no full match yet")
	}
	if emit != "abc" {
		t.Fatalf("emit = %q, want abc (ST held back)", emit)
	}
	// The held prefix turns out not to be a stop sequence
	emit, done = s.feed("x")
	if done {
		t.Fatalf("STx is not a match")
	}
	if emit != "STx" {
		t.Fatalf("emit = %q, want STx released", emit)
	}
}

func TestStopScannerCompletesAcrossChunks(t *testing.T) {
	s := newStopScanner([]string{"\n\n"})
	var out strings.Builder
	var matched bool
	for _, chunk := range []string{"line one", "\n", "\n", "after"} {
		emit, done := s.feed(chunk)
		out.WriteString(emit)
		if done {
			matched = true
			break
		}
	}
	if !matched {
		t.Fatalf("expected match on the blank line")
	}
	if out.String() != "line one" {
		t.Fatalf("emitted %q, want %q", out.String(), "line one")
	}
}

func TestStopScannerFlushReleasesHeldText(t *testing.T) {
	s := newStopScanner([]string{"ZZ"})
	emit, done := s.feed("abcZ")
	if done || emit != "abc" {
		t.Fatalf("feed: emit=%q done=%v", emit, done)
	}
	if got := s.flush(); got != "Z" {
		t.Fatalf("flush = %q, want Z", got)
	}
}

func TestStopScannerMultipleSequences(t *testing.T) {
	s := newStopScanner([]string{"###", "DONE"})
	emit, done := s.feed("a DON")
	if done || emit != "a " {
		t.Fatalf("feed: emit=%q done=%v", emit, done)
	}
	emit, done = s.feed("E tail")
	if !done || emit != "" {
		t.Fatalf("expected DONE match with empty emit, got emit=%q done=%v", emit, done)
	}
}

func TestStopScannerNoSequencesPassesThrough(t *testing.T) {
	s := newStopScanner(nil)
	emit, done := s.feed("anything goes")
	if done || emit != "anything goes" {
		t.Fatalf("passthrough broken: emit=%q done=%v", emit, done)
	}
}

func TestLocalEngineStopSequence(t *testing.T) {
	dir := t.TempDir()
	p := saveTinyCheckpoint(t, dir, "tiny.ngpt")
	runner, err := NewLocalEngine().Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer runner.Close()

	// Find the first character the model emits for this seed, then use it
	// as a stop sequence: generation must finish with reason "stop" and
	// empty content.
	probe, err := runner.Generate(context.Background(), "hi", GenParams{MaxTokens: 4, Seed: 11}, nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if probe.Content == "" {
		t.Skip("probe produced no printable content")
	}
	first := probe.Content[:1]

	final, err := runner.Generate(context.Background(), "hi", GenParams{MaxTokens: 4, Seed: 11, Stop: []string{first}}, nil)
	if err != nil {
		t.Fatalf("generate with stop: %v", err)
	}
	if final.FinishReason != "stop" {
		t.Fatalf("finish reason = %q, want stop", final.FinishReason)
	}
	if strings.Contains(final.Content, first) {
		t.Fatalf("stop text leaked into content: %q", final.Content)
	}
}
