package selector

import (
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// Eligible filters a Registry snapshot down to workers that Reserve could
// currently admit: admin-enabled, Healthy or Degraded, circuit not Open,
// at least one free slot, and (if topologyFailed is given) not excluded
// for a failed topology invariant (§4.10).
func Eligible(views []registry.WorkerView, topologyFailed map[string]bool) []registry.WorkerView {
	out := make([]registry.WorkerView, 0, len(views))
	for _, v := range views {
		if v.Worker.Admin != types.AdminEnabled {
			continue
		}
		if v.Health.Status != types.Healthy && v.Health.Status != types.Degraded {
			continue
		}
		if v.Circuit.Phase == types.CircuitOpen {
			continue
		}
		if v.FreeSlots <= 0 {
			continue
		}
		if topologyFailed != nil && topologyFailed[v.Worker.ID] {
			continue
		}
		out = append(out, v)
	}
	return out
}
