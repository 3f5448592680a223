package registry

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"ngptd/pkg/ngpt"
)

func writeCheckpoint(t *testing.T, dir, name string) string {
	t.Helper()
	m, err := ngpt.New(ngpt.Config{NumTokens: 32, Dim: 8, Depth: 2, Heads: 2, HeadDim: 4, InitSeed: 1})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := m.Save(p); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	return p
}

func TestScan_FiltersAndFillsMetadata(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, "alpha.ngpt")
	writeCheckpoint(t, dir, "beta.NGPT")
	for _, f := range []string{"not-model.txt", "model.bin"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}

	models, err := NewCheckpointScanner().Scan(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d: %+v", len(models), models)
	}
	for _, m := range models {
		if m.ID == "" || m.Path == "" {
			t.Fatalf("incomplete model: %+v", m)
		}
		if m.Dim != 8 || m.Depth != 2 || m.Vocab != 32 {
			t.Fatalf("header metadata not filled: %+v", m)
		}
		if m.Params <= 0 {
			t.Fatalf("param count not filled: %+v", m)
		}
	}
	// ID is the filename without extension.
	if models[0].ID != "alpha" && models[1].ID != "alpha" {
		t.Fatalf("expected id 'alpha' in %+v", models)
	}
}

func TestScan_SkipsCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, "good.ngpt")
	if err := os.WriteFile(filepath.Join(dir, "bad.ngpt"), []byte("not a checkpoint"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	models, err := NewCheckpointScanner().Scan(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "good" {
		t.Fatalf("expected only the readable checkpoint, got %+v", models)
	}
}

func TestScan_ExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "ngptd-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	writeCheckpoint(t, hTmp, "x.ngpt")

	var tildePath string
	if runtime.GOOS == "windows" {
		tildePath = filepath.Join("~", filepath.Base(hTmp))
	} else {
		tildePath = "~/" + filepath.Base(hTmp)
	}
	models, err := NewCheckpointScanner().Scan(tildePath)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestLoadDirWrapper(t *testing.T) {
	dir := t.TempDir()
	writeCheckpoint(t, dir, "m.ngpt")
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 1 || models[0].ID != "m" {
		t.Fatalf("unexpected: %+v", models)
	}
}
