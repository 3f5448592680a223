package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"ngptd/internal/httpapi"
	"ngptd/internal/manager"
	"ngptd/internal/registry"
	"ngptd/pkg/ngpt"
)

// createTempModelsDir populates a temp directory with small real checkpoints
// and returns the directory plus the resulting model ids.
func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	ids := make([]string, 0, len(names))
	for _, n := range names {
		m, err := ngpt.New(ngpt.Config{NumTokens: 256, Dim: 8, Depth: 1, Heads: 2, HeadDim: 4, InitSeed: 7})
		if err != nil {
			t.Fatalf("new model: %v", err)
		}
		p := filepath.Join(dir, n)
		if err := m.Save(p); err != nil {
			t.Fatalf("save checkpoint %s: %v", p, err)
		}
		ids = append(ids, strings.TrimSuffix(n, filepath.Ext(n)))
	}
	return dir, ids
}

func newServerForDir(t *testing.T, modelsDir string, budgetMB, marginMB int, defaultModel string) (*httptest.Server, *manager.Manager) {
	t.Helper()
	reg, err := registry.NewCheckpointScanner().Scan(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	mgr := manager.New(reg, budgetMB, marginMB, defaultModel)
	mux := httpapi.NewMux(mgr)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mgr
}

// newServerForDirWithConfig allows configuring queue/backpressure behavior for tests.
func newServerForDirWithConfig(t *testing.T, modelsDir string, cfg manager.ManagerConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	reg, err := registry.NewCheckpointScanner().Scan(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	cfg.Registry = reg
	mgr := manager.NewWithConfig(cfg)
	mux := httpapi.NewMux(mgr)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
