package orchestrator

import (
	"time"

	"github.com/cuemby/faas/pkg/types"
)

// loadBalancingState is the per-function dispatch state: the ordered set of
// instances the orchestrator has provisioned for one function, a round-robin
// cursor over them, and the timestamp of the last scale event (consulted by
// the autoscaler's hysteresis window).
type loadBalancingState struct {
	instances        []*types.Instance
	roundRobinIndex  int
	lastScaleEvent   time.Time
}

func newLoadBalancingState() *loadBalancingState {
	return &loadBalancingState{}
}

func (s *loadBalancingState) add(inst *types.Instance) {
	s.instances = append(s.instances, inst)
}

func (s *loadBalancingState) remove(runtimeID string) {
	for i, inst := range s.instances {
		if inst.RuntimeID == runtimeID {
			s.instances = append(s.instances[:i], s.instances[i+1:]...)
			if s.roundRobinIndex > i {
				s.roundRobinIndex--
			}
			return
		}
	}
}

// snapshot returns a copy of the instance slice, safe to range over after
// the caller releases the orchestrator's lock.
func (s *loadBalancingState) snapshot() []*types.Instance {
	out := make([]*types.Instance, len(s.instances))
	copy(out, s.instances)
	return out
}
