package manager

import (
	"testing"
	"time"

	"ngptd/pkg/types"
)

func TestUnload_RemovesInstanceAndUpdatesAccounting(t *testing.T) {
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.ngpt", 2)
	fe := &fakeEngine{}
	m := NewWithConfig(ManagerConfig{
		Registry:      []types.Model{{ID: "m", Path: p}},
		DefaultModel:  "m",
		MaxQueueDepth: 2,
		DrainTimeout:  200 * time.Millisecond,
		Engine:        fe,
	})
	// Ensure creates a ready instance
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	// Now unload and verify removal + usedEstMB decreased
	if err := m.Unload("m"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	m.mu.RLock()
	_, exists := m.instances["m"]
	used := m.usedEstMB
	cur := m.cur
	m.mu.RUnlock()
	if exists {
		t.Fatalf("instance still exists after unload")
	}
	if used != 0 {
		t.Fatalf("expected usedEstMB back to 0, got %d", used)
	}
	if cur != nil {
		t.Fatalf("expected current model cleared after unload")
	}
	fe.mu.Lock()
	r := fe.runners[0]
	fe.mu.Unlock()
	if !r.isClosed() {
		t.Fatalf("expected runner closed on unload")
	}
}

func TestUnload_UnknownModel(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Engine: &fakeEngine{}})
	if err := m.Unload("missing"); err == nil || !IsModelNotFound(err) {
		t.Fatalf("expected model not found, got %v", err)
	}
	if err := m.Unload(""); err == nil || !IsModelNotFound(err) {
		t.Fatalf("expected model not found for empty id, got %v", err)
	}
}

func TestUnload_WaitsForInflight(t *testing.T) {
	dir := t.TempDir()
	p := createModelFile(t, dir, "m.ngpt", 1)
	fe := &fakeEngine{}
	m := NewWithConfig(ManagerConfig{
		Registry:     []types.Model{{ID: "m", Path: p}},
		DrainTimeout: 300 * time.Millisecond,
		Engine:       fe,
	})
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	m.mu.RLock()
	inst := m.instances["m"]
	m.mu.RUnlock()

	// Hold the generation slot briefly, as an in-flight request would.
	inst.genCh <- struct{}{}
	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		<-inst.genCh
		close(done)
	}()

	start := time.Now()
	if err := m.Unload("m"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	<-done
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("unload returned before drain, elapsed=%v", elapsed)
	}
}
