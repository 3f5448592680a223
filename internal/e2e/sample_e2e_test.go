package e2e

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ngptd/internal/manager"
	"ngptd/pkg/ngpt"
)

// TestRealCheckpoint_Sample streams a continuation from a real trained checkpoint
// through the full HTTP stack and prints it. Skips unless ~/models/ngpt (or the
// directory named by NGPTD_E2E_MODELS) contains at least one .ngpt file.
func TestRealCheckpoint_Sample(t *testing.T) {
	modelsDir := strings.TrimSpace(os.Getenv("NGPTD_E2E_MODELS"))
	if modelsDir == "" {
		home, _ := os.UserHomeDir()
		modelsDir = filepath.Join(home, "models", "ngpt")
	}
	ents, _ := os.ReadDir(modelsDir)
	var modelID string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ngpt.Ext) {
			modelID = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			break
		}
	}
	if modelID == "" {
		t.Skipf("no checkpoint found under %s; skipping real-checkpoint sample test", modelsDir)
	}

	cfg := manager.ManagerConfig{
		BudgetMB:      0,
		MarginMB:      0,
		DefaultModel:  modelID,
		MaxQueueDepth: 2,
		MaxWait:       10 * time.Second,
	}
	srv, _ := newServerForDirWithConfig(t, modelsDir, cfg)

	prompt := "Once upon a time"
	resp, body := httpPostJSON(t, srv.URL+"/infer", []byte("{"+
		"\"prompt\":"+jsonString(prompt)+","+
		"\"max_tokens\":128,"+
		"\"temperature\":0.7,"+
		"\"top_p\":0.95"+
		"}"))
	if resp.StatusCode != 200 {
		t.Fatalf("/infer status=%d body=%s", resp.StatusCode, string(body))
	}

	// Parse NDJSON: collect tokens and/or final content
	lines := strings.Split(string(body), "\n")
	var tokens []string
	final := ""
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			continue
		}
		if tok, ok := m["token"].(string); ok && tok != "" {
			tokens = append(tokens, tok)
		}
		if done, _ := m["done"].(bool); done {
			if c, ok := m["content"].(string); ok {
				final = c
			}
		}
	}
	content := func() string {
		if final != "" {
			return final
		}
		return strings.Join(tokens, "")
	}()
	if strings.TrimSpace(content) == "" {
		t.Fatalf("expected non-empty sample content")
	}
	t.Logf("\n----- GENERATED SAMPLE -----\n%s%s\n----------------------------\n", prompt, content)
}

// jsonString escapes a string for embedding inside a JSON literal we build manually.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
