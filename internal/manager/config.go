package manager

import (
	"time"

	"ngptd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 5 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry      []types.Model
	BudgetMB      int
	MarginMB      int
	DefaultModel  string
	MaxQueueDepth int
	MaxWait       time.Duration
	// DrainTimeout bounds how long Unload waits for in-flight work.
	DrainTimeout time.Duration
	// Engine loads checkpoints into runners; nil selects the in-process engine.
	Engine Engine
	// Publisher receives lifecycle events; nil selects a no-op publisher.
	Publisher EventPublisher
	// LRUPath persists per-model last-used metadata across restarts.
	// Empty disables persistence.
	LRUPath string
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:        StateLoading,
		registry:     cfg.Registry,
		budgetMB:     cfg.BudgetMB,
		marginMB:     cfg.MarginMB,
		defaultModel: cfg.DefaultModel,
		instances:    make(map[string]*Instance),
	}
	// Apply defaults if unset
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	if cfg.DrainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	} else {
		m.drainTimeout = cfg.DrainTimeout
	}
	m.engine = cfg.Engine
	if m.engine == nil {
		m.engine = NewLocalEngine()
	}
	m.publisher = cfg.Publisher
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	m.lruPath = cfg.LRUPath
	m.lruMeta = m.loadLRUMetadata()
	m.startTime = time.Now()
	return m
}
