package cluster

import (
	"sync"

	"github.com/torosent/crankswarm/internal/runner"
)

// WorkerNode is the coordinator's view of one connected worker.
type WorkerNode struct {
	ID        string
	State     runner.State
	UserCount int
	Heartbeat int
	CPUUsage  float64
}

// Registry tracks workers in registration order.
type Registry struct {
	liveness int

	mu    sync.Mutex
	order []string
	nodes map[string]*WorkerNode
}

// NewRegistry creates a registry whose workers start with liveness heartbeats of credit.
func NewRegistry(liveness int) *Registry {
	return &Registry{liveness: liveness, nodes: make(map[string]*WorkerNode)}
}

// Register adds a worker in init state, replacing any previous entry for id.
// A re-registered worker keeps its position.
func (r *Registry) Register(id string) WorkerNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		r.order = append(r.order, id)
	}
	n := &WorkerNode{ID: id, State: runner.StateInit, Heartbeat: r.liveness}
	r.nodes[id] = n
	return *n
}

// Remove deletes a worker. It reports whether the worker was known.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return false
	}
	delete(r.nodes, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Update applies fn to a known worker and reports whether it existed.
func (r *Registry) Update(id string, fn func(n *WorkerNode)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false
	}
	fn(n)
	return true
}

// Touch resets a worker's liveness credit.
func (r *Registry) Touch(id string) bool {
	return r.Update(id, func(n *WorkerNode) { n.Heartbeat = r.liveness })
}

// Get returns a copy of one worker.
func (r *Registry) Get(id string) (WorkerNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return WorkerNode{}, false
	}
	return *n, true
}

// All returns copies of every worker in registration order.
func (r *Registry) All() []WorkerNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filterLocked(func(*WorkerNode) bool { return true })
}

// ByState returns workers in state s.
func (r *Registry) ByState(s runner.State) []WorkerNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filterLocked(func(n *WorkerNode) bool { return n.State == s })
}

// Eligible returns the workers that can take load: ready, starting or running,
// grouped in that order.
func (r *Registry) Eligible() []WorkerNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WorkerNode
	for _, s := range []runner.State{runner.StateInit, runner.StateStarting, runner.StateRunning} {
		out = append(out, r.filterLocked(func(n *WorkerNode) bool { return n.State == s })...)
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// UserCount sums the counts reported by every worker.
func (r *Registry) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.nodes {
		total += n.UserCount
	}
	return total
}

// AllRunning reports whether there is at least one worker and all are running.
func (r *Registry) AllRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nodes) == 0 {
		return false
	}
	for _, n := range r.nodes {
		if n.State != runner.StateRunning {
			return false
		}
	}
	return true
}

// Sweep runs one liveness tick. Workers whose credit is exhausted become
// missing and are returned; every other worker loses one credit. remaining
// is the number of eligible workers left afterwards.
func (r *Registry) Sweep() (missing []string, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		n := r.nodes[id]
		if n.Heartbeat < 0 && n.State != runner.StateMissing {
			n.State = runner.StateMissing
			n.UserCount = 0
			missing = append(missing, id)
			continue
		}
		n.Heartbeat--
	}
	for _, n := range r.nodes {
		switch n.State {
		case runner.StateInit, runner.StateStarting, runner.StateRunning:
			remaining++
		}
	}
	return missing, remaining
}

func (r *Registry) filterLocked(keep func(*WorkerNode) bool) []WorkerNode {
	out := make([]WorkerNode, 0, len(r.order))
	for _, id := range r.order {
		if n := r.nodes[id]; keep(n) {
			out = append(out, *n)
		}
	}
	return out
}
