package manager

import (
	"ngptd/pkg/ngpt"
	"ngptd/pkg/types"
)

// SanityReport describes checkpoint availability checks.
type SanityReport struct {
	ModelsTotal int               `json:"models_total"`
	ModelsOK    int               `json:"models_ok"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// SanityCheck validates that every registered checkpoint is readable and has
// a parseable header. It does not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	m.mu.RLock()
	reg := make([]types.Model, len(m.registry))
	copy(reg, m.registry)
	m.mu.RUnlock()

	r := SanityReport{ModelsTotal: len(reg)}
	for _, mdl := range reg {
		if _, err := ngpt.ReadHeader(mdl.Path); err != nil {
			if r.Errors == nil {
				r.Errors = make(map[string]string)
			}
			r.Errors[mdl.ID] = err.Error()
			continue
		}
		r.ModelsOK++
	}
	return r
}
