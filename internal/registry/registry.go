// Package registry owns the authoritative free/busy state of every known node
// and the host index derived from it. All mutations, including the
// check-then-reserve sequence of an allocation, run under one mutex.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
)

// PickFunc chooses the nodes of one allocation from a free-node snapshot.
// It runs inside the registry lock and must not block.
type PickFunc func(snapshot domain.FreeSnapshot) (selected, extra []string)

// Request identifies an allocation and carries the fields copied into its NodeSet.
type Request struct {
	ID        string
	Requested int
	Topology  domain.Topology
}

// Stats summarises the registry content.
type Stats struct {
	Nodes       int `json:"nodes"`
	Free        int `json:"free"`
	Busy        int `json:"busy"`
	Hosts       int `json:"hosts"`
	Allocations int `json:"allocations"`
}

type hostGroup = orderedmap.OrderedMap[string, struct{}]

type allocation struct {
	req       Request
	selected  []string
	extra     []string
	createdAt time.Time
}

// Registry tracks nodes, the free nodes grouped by host, and live allocations.
type Registry struct {
	mu sync.Mutex

	nodes map[string]*domain.Node
	// hosts keeps every host with at least one registered node, in registration order.
	hosts       *orderedmap.OrderedMap[string, *hostGroup]
	hostNodes   map[string]int
	allocations map[string]*allocation

	subscribers map[int]chan Event
	nextSubID   int

	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		nodes:       make(map[string]*domain.Node),
		hosts:       orderedmap.NewOrderedMap[string, *hostGroup](),
		hostNodes:   make(map[string]int),
		allocations: make(map[string]*allocation),
		subscribers: make(map[int]chan Event),
		now:         time.Now,
		logger:      logger.With(zap.String("component", "registry")),
	}
}

// AddNode registers a new free node under its host.
// Adding a node ID that is already known is a no-op that returns the stored node.
func (r *Registry) AddNode(n *domain.Node) (*domain.Node, error) {
	if n == nil || n.ID == "" {
		return nil, fmt.Errorf("%w: node ID is required", domain.ErrInvalidArgument)
	}
	if n.Host == "" {
		return nil, fmt.Errorf("%w: host is required for node %s", domain.ErrInvalidArgument, n.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[n.ID]; ok {
		r.logger.Debug("Node already registered", zap.String("node_id", n.ID))
		return existing.Clone(), nil
	}

	stored := n.Clone()
	stored.State = domain.NodeStateFree
	stored.AllocationID = ""
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = r.now()
	}

	r.nodes[stored.ID] = stored
	r.hostNodes[stored.Host]++
	r.indexAdd(stored)

	r.logger.Info("Node registered",
		zap.String("node_id", stored.ID),
		zap.String("host", stored.Host),
	)
	r.publishLocked(EventNodeAdded, stored)

	return stored.Clone(), nil
}

// RemoveNode deregisters a node. If the node belongs to a live allocation,
// that allocation loses it.
func (r *Registry) RemoveNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}

	if n.IsFree() {
		r.indexRemove(n)
	} else {
		r.detachLocked(n)
	}

	delete(r.nodes, id)
	r.hostNodes[n.Host]--
	if r.hostNodes[n.Host] <= 0 {
		delete(r.hostNodes, n.Host)
		r.hosts.Delete(n.Host)
	}

	r.logger.Info("Node removed",
		zap.String("node_id", id),
		zap.String("host", n.Host),
		zap.String("allocation_id", n.AllocationID),
	)
	r.publishLocked(EventNodeRemoved, n)

	return nil
}

// FreeNodes marks the given nodes free. Unknown and already free IDs are
// skipped. It returns the number of nodes that changed state.
func (r *Registry) FreeNodes(ids []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	freed := 0
	for _, id := range ids {
		n, ok := r.nodes[id]
		if !ok {
			r.logger.Debug("Ignoring unknown node on free", zap.String("node_id", id))
			continue
		}
		if n.IsFree() {
			continue
		}
		r.detachLocked(n)
		r.freeLocked(n)
		freed++
	}
	return freed
}

// Release frees every node still owned by the allocation. Releasing an
// unknown or already released allocation does nothing.
func (r *Registry) Release(allocationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allocations[allocationID]
	if !ok {
		return 0
	}
	delete(r.allocations, allocationID)

	freed := 0
	for _, id := range append(append([]string(nil), a.selected...), a.extra...) {
		n, ok := r.nodes[id]
		if !ok || n.AllocationID != allocationID {
			continue
		}
		r.freeLocked(n)
		freed++
	}

	r.logger.Info("Allocation released",
		zap.String("allocation_id", allocationID),
		zap.Int("freed", freed),
	)
	return freed
}

// SnapshotFreeByHost returns a consistent view of the free nodes grouped by host.
func (r *Registry) SnapshotFreeByHost() domain.FreeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

// Allocate is the allocation critical section. It snapshots the free nodes,
// lets pick choose among them and marks every chosen node busy before the
// lock is released. When pick returns nothing an empty NodeSet is returned.
// If pick names a node that is not free, nothing is marked and ErrConflict
// is returned.
func (r *Registry) Allocate(req Request, pick PickFunc) (*domain.NodeSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &domain.NodeSet{
		Requested: req.Requested,
		Topology:  req.Topology,
		CreatedAt: r.now(),
	}

	selected, extra := pick(r.snapshotLocked())
	if len(selected) == 0 && len(extra) == 0 {
		return result, nil
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: allocation ID is required", domain.ErrInvalidArgument)
	}
	if _, exists := r.allocations[req.ID]; exists {
		return nil, fmt.Errorf("allocation %s: %w", req.ID, domain.ErrAlreadyExists)
	}

	// Validate every pick before touching state so a conflict leaves nothing applied.
	all := append(append([]string(nil), selected...), extra...)
	seen := make(map[string]struct{}, len(all))
	for _, id := range all {
		n, ok := r.nodes[id]
		_, dup := seen[id]
		if !ok || !n.IsFree() || dup {
			r.logger.Warn("Rejecting allocation, node no longer free",
				zap.String("allocation_id", req.ID),
				zap.String("node_id", id),
			)
			return nil, fmt.Errorf("node %s is not free: %w", id, domain.ErrConflict)
		}
		seen[id] = struct{}{}
	}

	marked := make([]*domain.Node, 0, len(all))
	for _, id := range all {
		n := r.nodes[id]
		n.State = domain.NodeStateBusy
		n.AllocationID = req.ID
		r.indexRemove(n)
		marked = append(marked, n)
	}

	r.allocations[req.ID] = &allocation{
		req:       req,
		selected:  append([]string(nil), selected...),
		extra:     append([]string(nil), extra...),
		createdAt: result.CreatedAt,
	}
	for _, n := range marked {
		r.publishLocked(EventNodeStateChanged, n)
	}

	result.ID = req.ID
	result.Selected = r.nodesLocked(selected)
	result.Extra = r.nodesLocked(extra)
	return result, nil
}

// Allocation returns the live NodeSet of an allocation. Nodes lost since the
// allocation was made are not included.
func (r *Registry) Allocation(id string) (*domain.NodeSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allocations[id]
	if !ok {
		return nil, fmt.Errorf("allocation %s: %w", id, domain.ErrNotFound)
	}

	return &domain.NodeSet{
		ID:        id,
		Requested: a.req.Requested,
		Topology:  a.req.Topology,
		Selected:  r.nodesLocked(a.selected),
		Extra:     r.nodesLocked(a.extra),
		CreatedAt: a.createdAt,
	}, nil
}

// Heartbeat records that the node is alive.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}
	now := r.now()
	n.LastHeartbeat = &now
	return nil
}

// Get returns a copy of the node.
func (r *Registry) Get(id string) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}
	return n.Clone(), nil
}

// List returns copies of every node ordered by host index, then node ID.
func (r *Registry) List() []*domain.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	hostOrder := make(map[string]int, r.hosts.Len())
	for i, h := range r.hosts.Keys() {
		hostOrder[h] = i
	}

	result := make([]*domain.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		result = append(result, n.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		hi, hj := hostOrder[result[i].Host], hostOrder[result[j].Host]
		if hi != hj {
			return hi < hj
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Stats returns node, host and allocation counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Nodes:       len(r.nodes),
		Hosts:       r.hosts.Len(),
		Allocations: len(r.allocations),
	}
	for _, n := range r.nodes {
		if n.IsFree() {
			s.Free++
		} else {
			s.Busy++
		}
	}
	return s
}

// ============================================================================
// Helper Functions
// ============================================================================

func (r *Registry) snapshotLocked() domain.FreeSnapshot {
	snap := domain.FreeSnapshot{Hosts: make([]domain.HostGroup, 0, r.hosts.Len())}
	for el := r.hosts.Front(); el != nil; el = el.Next() {
		if el.Value.Len() == 0 {
			continue
		}
		snap.Hosts = append(snap.Hosts, domain.HostGroup{
			Host:    el.Key,
			NodeIDs: el.Value.Keys(),
		})
	}
	return snap
}

func (r *Registry) indexAdd(n *domain.Node) {
	group, ok := r.hosts.Get(n.Host)
	if !ok {
		group = orderedmap.NewOrderedMap[string, struct{}]()
		r.hosts.Set(n.Host, group)
	}
	group.Set(n.ID, struct{}{})
}

func (r *Registry) indexRemove(n *domain.Node) {
	if group, ok := r.hosts.Get(n.Host); ok {
		group.Delete(n.ID)
	}
}

// freeLocked returns a busy node to the free pool.
func (r *Registry) freeLocked(n *domain.Node) {
	n.State = domain.NodeStateFree
	n.AllocationID = ""
	r.indexAdd(n)
	r.publishLocked(EventNodeStateChanged, n)
}

// detachLocked removes a busy node from the allocation that owns it.
func (r *Registry) detachLocked(n *domain.Node) {
	a, ok := r.allocations[n.AllocationID]
	if !ok {
		return
	}
	a.selected = without(a.selected, n.ID)
	a.extra = without(a.extra, n.ID)
	if len(a.selected) == 0 && len(a.extra) == 0 {
		delete(r.allocations, n.AllocationID)
	}
}

func (r *Registry) nodesLocked(ids []string) []domain.Node {
	result := make([]domain.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := r.nodes[id]; ok {
			result = append(result, *n.Clone())
		}
	}
	return result
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
