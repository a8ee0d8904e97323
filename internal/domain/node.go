package domain

import (
	"time"
)

// NodeState represents the allocation state of a node.
type NodeState string

const (
	NodeStateFree NodeState = "FREE"
	NodeStateBusy NodeState = "BUSY"
)

// Node is an allocatable unit of compute capacity living on exactly one host.
type Node struct {
	ID     string            `json:"id"`
	Host   string            `json:"host"`
	Labels map[string]string `json:"labels,omitempty"`

	State        NodeState `json:"state"`
	AllocationID string    `json:"allocation_id,omitempty"`

	RegisteredAt  time.Time  `json:"registered_at"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// IsFree returns true if the node can be handed to a new allocation.
func (n *Node) IsFree() bool {
	return n.State == NodeStateFree
}

// LastSeen returns the last heartbeat time, or the registration time if the
// node never sent one.
func (n *Node) LastSeen() time.Time {
	if n.LastHeartbeat != nil {
		return *n.LastHeartbeat
	}
	return n.RegisteredAt
}

// Clone creates a deep copy of a Node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}

	clone := *n

	if n.Labels != nil {
		clone.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			clone.Labels[k] = v
		}
	}

	if n.LastHeartbeat != nil {
		t := *n.LastHeartbeat
		clone.LastHeartbeat = &t
	}

	return &clone
}

// HostGroup is the set of currently free nodes sharing one host.
type HostGroup struct {
	Host    string   `json:"host"`
	NodeIDs []string `json:"node_ids"`
}

// FreeSnapshot is a point-in-time view of the free nodes grouped by host.
// Hosts appear in host index order and node IDs in insertion order.
// Hosts without free nodes are omitted.
type FreeSnapshot struct {
	Hosts []HostGroup `json:"hosts"`
}

// FreeCount returns the number of free nodes on the given host.
func (s FreeSnapshot) FreeCount(host string) int {
	for _, g := range s.Hosts {
		if g.Host == host {
			return len(g.NodeIDs)
		}
	}
	return 0
}

// Total returns the number of free nodes across all hosts.
func (s FreeSnapshot) Total() int {
	total := 0
	for _, g := range s.Hosts {
		total += len(g.NodeIDs)
	}
	return total
}

// NodeIDs returns every free node ID in snapshot order.
func (s FreeSnapshot) NodeIDs() []string {
	ids := make([]string, 0, s.Total())
	for _, g := range s.Hosts {
		ids = append(ids, g.NodeIDs...)
	}
	return ids
}
