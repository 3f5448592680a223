package manager

import (
	"encoding/json"
	"os"
)

type lruRecord struct {
	LastUsedUnix int64 `json:"last_used_unix"`
	EstMemMB     int   `json:"est_mem_mb"`
}

// loadLRUMetadata reads persisted last-used marks. Returns nil when
// persistence is disabled; missing or corrupt files yield an empty map.
func (m *Manager) loadLRUMetadata() map[string]lruRecord {
	if m.lruPath == "" {
		return nil
	}
	meta := make(map[string]lruRecord)
	b, err := os.ReadFile(m.lruPath)
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(b, &meta)
	return meta
}

// saveLRUMetadata persists accumulated last-used marks, overlaying live
// instances on top of historical records.
func (m *Manager) saveLRUMetadata() {
	if m.lruPath == "" {
		return
	}
	// Snapshot under lock
	m.mu.RLock()
	snap := make(map[string]lruRecord, len(m.lruMeta)+len(m.instances))
	for id, rec := range m.lruMeta {
		snap[id] = rec
	}
	for id, inst := range m.instances {
		snap[id] = lruRecord{LastUsedUnix: inst.LastUsed.Unix(), EstMemMB: inst.EstMemMB}
	}
	m.mu.RUnlock()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(m.lruPath, b, 0o644)
}

// MostRecentModelID returns the model with the newest persisted last-used
// mark, or "" when no history exists. Used for warm starts.
func (m *Manager) MostRecentModelID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best string
	var bestTs int64
	for id, rec := range m.lruMeta {
		if rec.LastUsedUnix > bestTs {
			best, bestTs = id, rec.LastUsedUnix
		}
	}
	return best
}
