package agent

import (
	"slices"
	"sync"
	"time"

	"github.com/moltenlabs/cabal/types"
)

// NodeInfo is a read-only snapshot of one registry record.
type NodeInfo struct {
	ID        types.AgentID   `json:"id"`
	ParentID  types.AgentID   `json:"parent_id,omitempty"`
	Role      types.AgentRole `json:"role"`
	Depth     int             `json:"depth"`
	Status    types.Status    `json:"status"`
	Task      string          `json:"task,omitempty"`
	Children  []types.AgentID `json:"children,omitempty"`
	SpawnedAt time.Time       `json:"spawned_at"`
}

// AgentTree is a nested snapshot of a subtree.
type AgentTree struct {
	ID       types.AgentID   `json:"id"`
	Role     types.AgentRole `json:"role"`
	Status   types.Status    `json:"status"`
	Depth    int             `json:"depth"`
	Task     string          `json:"task,omitempty"`
	Children []*AgentTree    `json:"children,omitempty"`
}

// Count returns the number of nodes in the tree.
func (t *AgentTree) Count() int {
	if t == nil {
		return 0
	}
	n := 1
	for _, c := range t.Children {
		n += c.Count()
	}
	return n
}

type nodeRecord struct {
	id        types.AgentID
	parent    types.AgentID // lookup only; the parent owns the child, never the reverse
	role      types.AgentRole
	depth     int
	status    types.Status
	task      string
	children  []types.AgentID // spawn order
	spawnedAt time.Time
}

func (r *nodeRecord) info() NodeInfo {
	return NodeInfo{
		ID:        r.id,
		ParentID:  r.parent,
		Role:      r.role,
		Depth:     r.depth,
		Status:    r.status,
		Task:      r.task,
		Children:  slices.Clone(r.children),
		SpawnedAt: r.spawnedAt,
	}
}

// Registry is the id -> record index of the live tree. Records are only
// attached by the Factory and detached once the parent has acknowledged the
// node's terminal event. Status is mirrored here by the owning node for
// observability; the node's own copy stays authoritative.
type Registry struct {
	mu    sync.RWMutex
	nodes map[types.AgentID]*nodeRecord
	root  types.AgentID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[types.AgentID]*nodeRecord)}
}

func (r *Registry) attach(rec *nodeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[rec.id] = rec
	if rec.parent == "" {
		r.root = rec.id
		return
	}
	if p, ok := r.nodes[rec.parent]; ok {
		p.children = append(p.children, rec.id)
	}
}

// detach removes id and its whole remaining subtree. It reports how many
// records were removed.
func (r *Registry) detach(id types.AgentID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[id]
	if !ok {
		return 0
	}
	if p, ok := r.nodes[rec.parent]; ok {
		p.children = slices.DeleteFunc(p.children, func(c types.AgentID) bool { return c == id })
	}
	if r.root == id {
		r.root = ""
	}
	return r.removeLocked(rec)
}

func (r *Registry) removeLocked(rec *nodeRecord) int {
	n := 1
	for _, c := range rec.children {
		if child, ok := r.nodes[c]; ok {
			n += r.removeLocked(child)
		}
	}
	delete(r.nodes, rec.id)
	return n
}

func (r *Registry) setStatus(id types.AgentID, s types.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.nodes[id]; ok {
		rec.status = s
	}
}

func (r *Registry) childCount(id types.AgentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.nodes[id]; ok {
		return len(rec.children)
	}
	return 0
}

// Get returns a snapshot of id.
func (r *Registry) Get(id types.AgentID) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return rec.info(), true
}

// Parent returns the parent of id; ok is false for the root or unknown ids.
func (r *Registry) Parent(id types.AgentID) (types.AgentID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[id]
	if !ok || rec.parent == "" {
		return "", false
	}
	return rec.parent, true
}

// Children returns the live children of id in spawn order.
func (r *Registry) Children(id types.AgentID) []types.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.nodes[id]; ok {
		return slices.Clone(rec.children)
	}
	return nil
}

// Depth returns the depth of id.
func (r *Registry) Depth(id types.AgentID) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.nodes[id]; ok {
		return rec.depth, true
	}
	return 0, false
}

// AgentsAtDepth returns every live agent at depth d, ordered by spawn time.
func (r *Registry) AgentsAtDepth(d int) []types.AgentID {
	r.mu.RLock()
	recs := make([]*nodeRecord, 0)
	for _, rec := range r.nodes {
		if rec.depth == d {
			recs = append(recs, rec)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(recs, func(a, b *nodeRecord) int {
		if c := a.spawnedAt.Compare(b.spawnedAt); c != 0 {
			return c
		}
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	out := make([]types.AgentID, len(recs))
	for i, rec := range recs {
		out[i] = rec.id
	}
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Root returns the root id, if attached.
func (r *Registry) Root() (types.AgentID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root, r.root != ""
}

// Snapshot returns every record, unordered.
func (r *Registry) Snapshot() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, rec.info())
	}
	return out
}

// Tree returns a nested snapshot rooted at the root, or nil when empty.
func (r *Registry) Tree() *AgentTree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[r.root]
	if !ok {
		return nil
	}
	return r.treeLocked(rec)
}

// Subtree returns a nested snapshot rooted at id.
func (r *Registry) Subtree(id types.AgentID) *AgentTree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[id]
	if !ok {
		return nil
	}
	return r.treeLocked(rec)
}

func (r *Registry) treeLocked(rec *nodeRecord) *AgentTree {
	t := &AgentTree{
		ID:     rec.id,
		Role:   rec.role,
		Status: rec.status,
		Depth:  rec.depth,
		Task:   rec.task,
	}
	for _, c := range rec.children {
		if child, ok := r.nodes[c]; ok {
			t.Children = append(t.Children, r.treeLocked(child))
		}
	}
	return t
}
