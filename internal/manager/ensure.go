package manager

import (
	"context"
	"time"
)

// EnsureInstance ensures a model instance is loaded and marked ready
// according to current resource budgeting and readiness state.
func (m *Manager) EnsureInstance(ctx context.Context, modelID string) error {
	startTs := time.Now()
	if modelID == "" {
		// If unspecified, use default if present; else no-op for now
		modelID = m.defaultModel
		if modelID == "" {
			return nil
		}
	}
	m.publisher.Publish(Event{Name: "ensure_start", ModelID: modelID})

	m.mu.RLock()
	inst, ok := m.instances[modelID]
	ready := ok && inst != nil && inst.State == StateReady
	loading := ok && inst != nil && inst.State == StateLoading
	m.mu.RUnlock()
	if ready {
		// Upgrade to write lock to safely mutate LastUsed and re-check state
		m.mu.Lock()
		if inst2, ok2 := m.instances[modelID]; ok2 && inst2 != nil && inst2.State == StateReady {
			inst2.LastUsed = time.Now()
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		// If state changed in between, continue with ensure path
	}
	if loading {
		// Another goroutine owns the load; wait for its outcome.
		return m.waitForReady(ctx, modelID)
	}

	// Resolve model from registry
	mdl, ok := m.getModelByID(modelID)
	if !ok {
		m.publisher.Publish(Event{Name: "ensure_model_not_found", ModelID: modelID})
		return ErrModelNotFound(modelID)
	}
	reqMB := m.estimateMemMB(mdl)

	// Evict until it fits budget + margin, if budget configured
	if m.budgetMB > 0 {
		if err := m.evictUntilFits(reqMB); err != nil {
			m.publisher.Publish(Event{Name: "ensure_budget_fail", ModelID: modelID, Fields: map[string]any{"error": err.Error()}})
			return err
		}
	}

	// Create or reset the loading instance. Memory is reserved here so
	// concurrent ensures of other models see it in budget checks.
	m.mu.Lock()
	m.state = StateLoading
	m.err = ""
	if m.instances == nil {
		m.instances = make(map[string]*Instance)
	}
	inst, existed := m.instances[modelID]
	if existed && inst != nil && inst.State == StateLoading {
		// Lost a race to another ensure of the same model.
		m.mu.Unlock()
		return m.waitForReady(ctx, modelID)
	}
	addedNow := false
	if !existed || inst == nil {
		inst = &Instance{
			ID:       modelID,
			State:    StateLoading,
			LastUsed: time.Now(),
			EstMemMB: reqMB,
			genCh:    make(chan struct{}, 1),
			queueCh:  make(chan struct{}, m.maxQueueDepth),
		}
		m.instances[modelID] = inst
		m.usedEstMB += reqMB
		addedNow = true
	} else {
		inst.State = StateLoading
		m.usedEstMB += reqMB - inst.EstMemMB
		inst.EstMemMB = reqMB
		inst.LastUsed = time.Now()
	}
	m.mu.Unlock()

	// Load the checkpoint outside the lock; this is the slow part.
	runner, err := m.engine.Load(mdl.Path)
	if err != nil {
		managerLoadsTotal.WithLabelValues("error").Inc()
		m.rollbackLoad(inst, modelID, reqMB, addedNow, err)
		m.publisher.Publish(Event{Name: "ensure_load_error", ModelID: modelID, Fields: map[string]any{"error": err.Error()}})
		return ErrDependencyUnavailable(err.Error())
	}
	if err := ctx.Err(); err != nil {
		_ = runner.Close()
		m.rollbackLoad(inst, modelID, reqMB, addedNow, err)
		return err
	}

	// Commit instance as ready
	m.mu.Lock()
	if old := inst.runner; old != nil && old != runner {
		_ = old.Close()
	}
	inst.runner = runner
	inst.State = StateReady
	inst.LastUsed = time.Now()
	m.cur = &ModelInfo{ID: mdl.ID, Name: mdl.Name, Path: mdl.Path, Params: mdl.Params}
	m.state = StateReady
	m.err = ""
	m.loadsTotal++
	if m.lruMeta != nil {
		m.lruMeta[modelID] = lruRecord{LastUsedUnix: inst.LastUsed.Unix(), EstMemMB: reqMB}
	}
	m.mu.Unlock()
	managerLoadsTotal.WithLabelValues("ok").Inc()
	m.saveLRUMetadata()
	m.publisher.Publish(Event{Name: "ensure_ready", ModelID: modelID, Fields: map[string]any{"dur_ms": int(time.Since(startTs) / time.Millisecond)}})
	return nil
}

// rollbackLoad undoes the reservation made before engine.Load.
func (m *Manager) rollbackLoad(inst *Instance, modelID string, reqMB int, addedNow bool, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addedNow {
		delete(m.instances, modelID)
		m.usedEstMB -= reqMB
		if m.usedEstMB < 0 {
			m.usedEstMB = 0
		}
	} else if inst != nil {
		inst.State = StateError
	}
	m.state = StateError
	m.err = cause.Error()
}

// waitForReady polls until modelID leaves the loading state.
func (m *Manager) waitForReady(ctx context.Context, modelID string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.RLock()
		inst := m.instances[modelID]
		var st State
		if inst != nil {
			st = inst.State
		}
		m.mu.RUnlock()
		switch {
		case inst == nil:
			// Load failed and the instance was removed.
			return ErrDependencyUnavailable("model load failed: " + modelID)
		case st == StateReady:
			return nil
		case st == StateError:
			return ErrDependencyUnavailable("model load failed: " + modelID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
