package manager

import (
	"sync"
	"time"

	"ngptd/pkg/types"
)

// Manager owns the lifecycle of model instances: admission, loading,
// eviction, draining and inference fan-in. All exported methods are safe
// for concurrent use.
type Manager struct {
	mu           sync.RWMutex
	state        State
	cur          *ModelInfo
	err          string
	registry     []types.Model
	budgetMB     int
	marginMB     int
	defaultModel string
	// Multi-instance fields
	instances map[string]*Instance
	usedEstMB int

	// Queue config
	maxQueueDepth int
	maxWait       time.Duration
	drainTimeout  time.Duration

	// Runtime wiring
	engine    Engine
	publisher EventPublisher

	// Counters and bookkeeping
	startTime      time.Time
	evictionsTotal uint64
	loadsTotal     uint64
	opSeq          uint64

	// LRU persistence (optional)
	lruPath string
	lruMeta map[string]lruRecord
}

func New(reg []types.Model, budgetMB, marginMB int, defaultModel string) *Manager {
	// Delegate to NewWithConfig to centralize defaults and option parsing
	return NewWithConfig(ManagerConfig{
		Registry:     reg,
		BudgetMB:     budgetMB,
		MarginMB:     marginMB,
		DefaultModel: defaultModel,
	})
}

func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateError {
		return false
	}
	// Ready if any instance is ready
	for _, inst := range m.instances {
		if inst.State == StateReady {
			return true
		}
	}
	// Fallback to legacy notion
	return m.state == StateReady && m.cur != nil
}

func (m *Manager) ListModels() []types.Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// return a shallow copy to avoid external mutation
	out := make([]types.Model, len(m.registry))
	copy(out, m.registry)
	return out
}

// SetEventPublisher replaces the lifecycle event sink. Call before the
// manager starts serving traffic; the field is read without locking on
// hot paths.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.publisher = p
}

// SetRegistry swaps the model registry, e.g. after a directory rescan.
// Instances of models that disappeared keep serving until unloaded or
// evicted; new inference requests for them will fail resolution.
func (m *Manager) SetRegistry(reg []types.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = make([]types.Model, len(reg))
	copy(m.registry, reg)
}

// Close drains and unloads every instance. Used on server shutdown.
func (m *Manager) Close() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Unload(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
