package scheduler

import (
	"github.com/limiquantix/placement/internal/domain"
)

// FilterCandidates returns the free nodes that could take part in a placement
// satisfying the criteria. It never reserves anything and does not judge
// whether enough candidates exist, except that single-host topologies only
// consider hosts holding at least the required number of admitted nodes.
func FilterCandidates(c *domain.Criteria, snap domain.FreeSnapshot) []string {
	var result []string

	for _, g := range snap.Hosts {
		admitted := make([]string, 0, len(g.NodeIDs))
		for _, id := range g.NodeIDs {
			if c.Admits(id) {
				admitted = append(admitted, id)
			}
		}

		switch c.Topology() {
		case domain.TopologySingleHost, domain.TopologySingleHostExclusive:
			if len(admitted) < c.Count() {
				continue
			}
		}
		result = append(result, admitted...)
	}

	return result
}

// admittedNodes returns every free node that passes the blacklist and
// acceptable lists, regardless of topology.
func admittedNodes(c *domain.Criteria, snap domain.FreeSnapshot) []string {
	var result []string
	for _, g := range snap.Hosts {
		for _, id := range g.NodeIDs {
			if c.Admits(id) {
				result = append(result, id)
			}
		}
	}
	return result
}
