// Package manager provides lifecycle, admission, and inference coordination for
// model instances. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: internal state types (State, ModelInfo, Instance, Snapshot).
//   - errors.go: error types and helpers (IsTooBusy, IsModelNotFound).
//   - helpers.go: small utilities (model lookup, memory estimation).
//   - admission.go: per-instance queueing and generation admission.
//   - ensure.go: EnsureInstance lifecycle and checkpoint loading.
//   - evict.go: eviction logic to fit within the memory budget.
//   - metrics.go: prometheus counters for loads and evictions.
//   - infer.go: inference API entry point and NDJSON streaming.
//   - engine.go: Engine/ModelRunner contracts between manager and runtime.
//   - engine_local.go: in-process runtime over pkg/ngpt and the byte tokenizer.
//   - unload.go: graceful drain and removal of instances.
//   - status_report.go: Status/Snapshot reporting helpers.
//   - events.go: lifecycle event publishing (noop, in-memory, zerolog).
//   - lru_persist.go: optional persistence of last-used marks for warm starts.
//   - ops.go: background operations like Switch.
//   - sanity.go: registry-wide checkpoint health checks.
//
// External packages should treat this package as the orchestration layer and use
// public methods only (e.g., New/NewWithConfig, Ready, ListModels, Status, Infer).
// Internal types are subject to change.
package manager
