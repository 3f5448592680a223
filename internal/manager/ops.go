package manager

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Switch kicks off an async model switch/ensure and returns an operation ID.
// The operation runs in the background; callers can poll Status() to observe
// state transitions.
func (m *Manager) Switch(ctx context.Context, modelID string) (string, error) {
	op := fmt.Sprintf("op-%d", atomic.AddUint64(&m.opSeq, 1))
	go func(opID string) {
		// Use a detached context so background work isn't canceled when the
		// caller context is canceled; shutdown still drains via Close.
		err := m.EnsureInstance(context.Background(), modelID)
		fields := map[string]any{"op_id": opID}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.publisher.Publish(Event{Name: "switch_done", ModelID: modelID, Fields: fields})
	}(op)
	return op, nil
}
