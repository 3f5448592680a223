package manager

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"ngptd/pkg/types"
)

// Infer centralizes inference behavior. It ensures the model instance is
// resident, acquires the per-instance generation slot, runs the decode loop
// and streams NDJSON token lines to the provided writer, ending with a
// summary line carrying content, finish reason and usage.
func (m *Manager) Infer(ctx context.Context, req types.InferRequest, w io.Writer, flusher func()) error {
	// Resolve target model id
	modelID := req.Model
	if modelID == "" {
		modelID = m.defaultModel
		if modelID == "" {
			// No model specified and no default configured
			return modelNotFoundError{id: "(unspecified)"}
		}
	}
	if err := m.EnsureInstance(ctx, modelID); err != nil {
		return err
	}
	// Admission: per-instance FIFO queue, single in-flight
	release, err := m.beginGeneration(ctx, modelID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.RLock()
	inst := m.instances[modelID]
	var runner ModelRunner
	if inst != nil {
		runner = inst.runner
	}
	m.mu.RUnlock()
	if runner == nil {
		return ErrDependencyUnavailable("model runner not initialized: " + modelID)
	}

	reqID := uuid.NewString()
	m.publisher.Publish(Event{Name: "infer_start", ModelID: modelID, Fields: map[string]any{"request_id": reqID}})

	params := GenParams{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Seed:        req.Seed,
	}
	onTok := func(tok string) error {
		if _, e := w.Write(tokenLineJSON(tok)); e != nil {
			return e
		}
		if flusher != nil {
			flusher()
		}
		return nil
	}
	final, err := runner.Generate(ctx, req.Prompt, params, onTok)
	if err != nil {
		m.publisher.Publish(Event{Name: "infer_error", ModelID: modelID, Fields: map[string]any{"request_id": reqID, "error": err.Error()}})
		return err
	}

	// Compose final line
	end := map[string]any{
		"done":          true,
		"id":            reqID,
		"model":         modelID,
		"content":       final.Content,
		"finish_reason": final.FinishReason,
		"usage":         final.Usage,
	}
	jb, _ := json.Marshal(end)
	if _, err := w.Write(append(jb, '\n')); err != nil {
		return err
	}
	if flusher != nil {
		flusher()
	}
	m.publisher.Publish(Event{Name: "infer_done", ModelID: modelID, Fields: map[string]any{
		"request_id":        reqID,
		"completion_tokens": final.Usage.CompletionTokens,
		"finish_reason":     final.FinishReason,
	}})
	return nil
}

// tokenLineJSON formats a token NDJSON line using json.Marshal for correctness.
func tokenLineJSON(tok string) []byte {
	type tokenMsg struct {
		Token string `json:"token"`
	}
	b, _ := json.Marshal(tokenMsg{Token: tok})
	return append(b, '\n')
}
