// Package memory provides in-memory repository implementations for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/services/provisioning"
)

// Ensure NodeRepository implements provisioning.Inventory
var _ provisioning.Inventory = (*NodeRepository)(nil)

// NodeRepository is an in-memory node inventory.
type NodeRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Node
}

// NewNodeRepository creates a new in-memory node inventory.
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{
		data: make(map[string]*domain.Node),
	}
}

// SeedDemoData stores a small five-host layout for local development.
func (r *NodeRepository) SeedDemoData() {
	layout := []struct {
		host  string
		nodes int
		zone  string
	}{
		{"host1", 2, "zone-a"},
		{"host2", 3, "zone-a"},
		{"host3", 2, "zone-b"},
		{"host4", 1, "zone-b"},
		{"host5", 2, "zone-c"},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := time.Now().Add(-time.Hour)
	for _, h := range layout {
		for i := 0; i < h.nodes; i++ {
			n := &domain.Node{
				ID:           fmt.Sprintf("%s-node-%d", h.host, i),
				Host:         h.host,
				Labels:       map[string]string{"zone": h.zone},
				RegisteredAt: registered,
			}
			if i == 0 {
				n.Labels["gpu"] = "true"
			}
			r.data[n.ID] = n
		}
	}
}

// Save creates or updates a node.
func (r *NodeRepository) Save(_ context.Context, n *domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := n.Clone()
	stored.State = domain.NodeStateFree
	stored.AllocationID = ""
	r.data[stored.ID] = stored
	return nil
}

// Delete removes a node by ID.
func (r *NodeRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// List returns every stored node ordered by registration time, then ID.
func (r *NodeRepository) List(_ context.Context) ([]*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Node, 0, len(r.data))
	for _, n := range r.data {
		result = append(result, n.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].RegisteredAt.Before(result[j].RegisteredAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
