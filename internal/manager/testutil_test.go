package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// createModelFile creates a file of approximately sizeMB megabytes and returns its path.
func createModelFile(t *testing.T, dir, name string, sizeMB int) string {
	t.Helper()
	if sizeMB <= 0 {
		sizeMB = 1
	}
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer f.Close()
	// write sizeMB megabytes (use 1MiB blocks)
	block := make([]byte, 1024*1024)
	for i := 0; i < sizeMB; i++ {
		if _, err := f.Write(block); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return p
}

var errTestLoad = errors.New("bad checkpoint")

// fakeEngine is a lightweight in-memory engine used for tests.
type fakeEngine struct {
	mu      sync.Mutex
	loadErr error
	tokens  []string
	final   FinalResult
	genErr  error
	loads   []string
	runners []*fakeRunner
}

func (f *fakeEngine) Load(path string) (ModelRunner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, path)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	r := &fakeRunner{tokens: f.tokens, final: f.final, genErr: f.genErr}
	f.runners = append(f.runners, r)
	return r, nil
}

func (f *fakeEngine) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

type fakeRunner struct {
	tokens []string
	final  FinalResult
	genErr error
	gen    func(ctx context.Context, prompt string, params GenParams, onToken func(string) error) (FinalResult, error)

	mu     sync.Mutex
	closed bool
}

func (r *fakeRunner) Generate(ctx context.Context, prompt string, params GenParams, onToken func(string) error) (FinalResult, error) {
	if r.gen != nil {
		return r.gen(ctx, prompt, params, onToken)
	}
	if r.genErr != nil {
		return FinalResult{}, r.genErr
	}
	var content string
	for _, tok := range r.tokens {
		select {
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		default:
		}
		if err := onToken(tok); err != nil {
			return FinalResult{}, err
		}
		content += tok
	}
	final := r.final
	if final.Content == "" {
		final.Content = content
	}
	return final, nil
}

func (r *fakeRunner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRunner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// errWriter writes once, then returns an error on subsequent writes.
type errWriter struct{ wrote int }

func (e *errWriter) Write(p []byte) (int, error) {
	if e.wrote == 0 {
		e.wrote += len(p)
		return len(p), nil
	}
	return 0, errors.New("write fail")
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}
