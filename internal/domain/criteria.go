package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Topology describes how the nodes of one request must be laid out across hosts.
type Topology string

const (
	// TopologyArbitrary places no grouping constraint on the nodes.
	TopologyArbitrary Topology = "ARBITRARY"
	// TopologySingleHost requires every node to share one host.
	TopologySingleHost Topology = "SINGLE_HOST"
	// TopologySingleHostExclusive requires one host and reserves all of its free nodes.
	TopologySingleHostExclusive Topology = "SINGLE_HOST_EXCLUSIVE"
	// TopologyMultipleHostsExclusive gathers the nodes from as few fully reserved hosts as possible.
	TopologyMultipleHostsExclusive Topology = "MULTIPLE_HOSTS_EXCLUSIVE"
	// TopologyDifferentHostsExclusive reads the count as a number of distinct, fully reserved hosts.
	TopologyDifferentHostsExclusive Topology = "DIFFERENT_HOSTS_EXCLUSIVE"
)

// Topologies lists every supported topology.
var Topologies = []Topology{
	TopologyArbitrary,
	TopologySingleHost,
	TopologySingleHostExclusive,
	TopologyMultipleHostsExclusive,
	TopologyDifferentHostsExclusive,
}

// ParseTopology converts a topology name to a Topology.
func ParseTopology(s string) (Topology, error) {
	t := Topology(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown topology %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// Valid returns true if t is one of the supported topologies.
func (t Topology) Valid() bool {
	for _, known := range Topologies {
		if t == known {
			return true
		}
	}
	return false
}

// IsExclusive returns true if the topology reserves whole hosts.
func (t Topology) IsExclusive() bool {
	switch t {
	case TopologySingleHostExclusive, TopologyMultipleHostsExclusive, TopologyDifferentHostsExclusive:
		return true
	}
	return false
}

// SelectionScript is an opaque node verification script. The placement core
// never interprets it; it is handed to a verifier together with a node.
type SelectionScript struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	// Dynamic scripts are evaluated on every request. Static results may be cached per node.
	Dynamic bool `json:"dynamic,omitempty"`
}

// Digest returns the hex SHA-256 of the trimmed script content.
func (s SelectionScript) Digest() string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(s.Content)))
	return hex.EncodeToString(sum[:])
}

// Criteria describes one allocation request. It is immutable once built.
type Criteria struct {
	count      int
	topology   Topology
	blacklist  map[string]struct{}
	acceptable map[string]struct{}
	bestEffort bool
	scripts    []SelectionScript
	requester  string
}

// CriteriaOption configures optional Criteria fields.
type CriteriaOption func(*Criteria)

// WithBlacklist excludes the given node IDs from selection.
func WithBlacklist(ids ...string) CriteriaOption {
	return func(c *Criteria) {
		for _, id := range ids {
			c.blacklist[id] = struct{}{}
		}
	}
}

// WithAcceptable restricts selection to the given node IDs.
func WithAcceptable(ids ...string) CriteriaOption {
	return func(c *Criteria) {
		for _, id := range ids {
			c.acceptable[id] = struct{}{}
		}
	}
}

// WithBestEffort accepts a result smaller than the required count.
func WithBestEffort(bestEffort bool) CriteriaOption {
	return func(c *Criteria) {
		c.bestEffort = bestEffort
	}
}

// WithScripts adds verification scripts every selected node must pass.
func WithScripts(scripts ...SelectionScript) CriteriaOption {
	return func(c *Criteria) {
		c.scripts = append(c.scripts, scripts...)
	}
}

// WithRequester tags the request with the caller's name for logging.
func WithRequester(name string) CriteriaOption {
	return func(c *Criteria) {
		c.requester = name
	}
}

// NewCriteria validates and builds an allocation request.
func NewCriteria(count int, topology Topology, opts ...CriteriaOption) (*Criteria, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: required node count must be positive, got %d", ErrInvalidArgument, count)
	}
	if !topology.Valid() {
		return nil, fmt.Errorf("%w: unknown topology %q", ErrInvalidArgument, topology)
	}

	c := &Criteria{
		count:      count,
		topology:   topology,
		blacklist:  make(map[string]struct{}),
		acceptable: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	for i, s := range c.scripts {
		if strings.TrimSpace(s.Content) == "" {
			return nil, fmt.Errorf("%w: selection script %d is empty", ErrInvalidArgument, i)
		}
	}

	return c, nil
}

// Count returns the required number of nodes (or hosts for DIFFERENT_HOSTS_EXCLUSIVE).
func (c *Criteria) Count() int { return c.count }

// Topology returns the requested topology.
func (c *Criteria) Topology() Topology { return c.topology }

// BestEffort returns true if a partial result is acceptable.
func (c *Criteria) BestEffort() bool { return c.bestEffort }

// Requester returns the caller name, if any.
func (c *Criteria) Requester() string { return c.requester }

// Scripts returns a copy of the verification scripts.
func (c *Criteria) Scripts() []SelectionScript {
	return append([]SelectionScript(nil), c.scripts...)
}

// HasScripts returns true if nodes must be verified before selection.
func (c *Criteria) HasScripts() bool { return len(c.scripts) > 0 }

// Blacklisted returns true if the node must not be selected.
func (c *Criteria) Blacklisted(id string) bool {
	_, ok := c.blacklist[id]
	return ok
}

// Acceptable returns true if the node passes the inclusion list.
// An empty inclusion list accepts every node.
func (c *Criteria) Acceptable(id string) bool {
	if len(c.acceptable) == 0 {
		return true
	}
	_, ok := c.acceptable[id]
	return ok
}

// Admits returns true if the node is neither blacklisted nor outside the inclusion list.
func (c *Criteria) Admits(id string) bool {
	return !c.Blacklisted(id) && c.Acceptable(id)
}

// Blacklist returns the excluded node IDs in no particular order.
func (c *Criteria) Blacklist() []string {
	ids := make([]string, 0, len(c.blacklist))
	for id := range c.blacklist {
		ids = append(ids, id)
	}
	return ids
}

// String returns a short description for logs.
func (c *Criteria) String() string {
	return fmt.Sprintf("%d nodes with %s", c.count, c.topology)
}
