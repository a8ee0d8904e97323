package domain

import (
	"time"
)

// NodeSet is the result of one allocation. Selected nodes are handed to the
// caller; extra nodes are reserved by the same allocation but held back.
// An empty NodeSet means the request could not be satisfied.
type NodeSet struct {
	ID        string    `json:"id,omitempty"`
	Requested int       `json:"requested"`
	Topology  Topology  `json:"topology"`
	Selected  []Node    `json:"selected"`
	Extra     []Node    `json:"extra,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Len returns the number of selected nodes.
func (ns *NodeSet) Len() int {
	return len(ns.Selected)
}

// Empty returns true if nothing was reserved.
func (ns *NodeSet) Empty() bool {
	return len(ns.Selected) == 0 && len(ns.Extra) == 0
}

// Satisfied returns true if at least the requested number of nodes was selected.
func (ns *NodeSet) Satisfied() bool {
	return ns.Requested > 0 && len(ns.Selected) >= ns.Requested
}

// IDs returns the selected node IDs.
func (ns *NodeSet) IDs() []string {
	return nodeIDs(ns.Selected)
}

// ExtraIDs returns the extra node IDs.
func (ns *NodeSet) ExtraIDs() []string {
	return nodeIDs(ns.Extra)
}

// AllIDs returns the selected node IDs followed by the extra ones.
func (ns *NodeSet) AllIDs() []string {
	return append(ns.IDs(), ns.ExtraIDs()...)
}

// Hosts returns the distinct hosts of the selected and extra nodes in order of appearance.
func (ns *NodeSet) Hosts() []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, list := range [][]Node{ns.Selected, ns.Extra} {
		for _, n := range list {
			if _, ok := seen[n.Host]; ok {
				continue
			}
			seen[n.Host] = struct{}{}
			hosts = append(hosts, n.Host)
		}
	}
	return hosts
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
