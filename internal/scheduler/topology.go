package scheduler

import (
	"sort"

	"github.com/limiquantix/placement/internal/domain"
)

// hostView is one host of a snapshot as seen by a particular request.
type hostView struct {
	host     string
	eligible []string
	// complete is true when every free node of the host is eligible, which is
	// required before the host can be reserved exclusively.
	complete bool
}

func (h hostView) size() int { return len(h.eligible) }

// buildHostViews applies the criteria admission rules and the verification
// outcome to a snapshot. A nil passed function accepts every node.
func buildHostViews(c *domain.Criteria, snap domain.FreeSnapshot, passed func(string) bool) []hostView {
	views := make([]hostView, 0, len(snap.Hosts))
	for _, g := range snap.Hosts {
		v := hostView{host: g.Host, complete: true}
		for _, id := range g.NodeIDs {
			if c.Admits(id) && (passed == nil || passed(id)) {
				v.eligible = append(v.eligible, id)
			} else {
				v.complete = false
			}
		}
		if v.size() > 0 {
			views = append(views, v)
		}
	}
	return views
}

// selectNodes picks the nodes for one request from a snapshot. It returns
// nothing when the result would fall short of the required count and the
// request is not best-effort.
func selectNodes(c *domain.Criteria, snap domain.FreeSnapshot, passed func(string) bool) (selected, extra []string) {
	views := buildHostViews(c, snap, passed)
	n := c.Count()

	switch c.Topology() {
	case domain.TopologyArbitrary:
		selected = selectArbitrary(views, n)
	case domain.TopologySingleHost:
		selected = selectSingleHost(views, n, c.BestEffort())
	case domain.TopologySingleHostExclusive:
		selected, extra = selectSingleHostExclusive(views, n, c.BestEffort())
	case domain.TopologyMultipleHostsExclusive:
		selected, extra = selectMultipleHostsExclusive(views, n)
	case domain.TopologyDifferentHostsExclusive:
		selected, extra = selectDifferentHostsExclusive(views, n)
	}

	if len(selected) < n && !c.BestEffort() {
		return nil, nil
	}
	return selected, extra
}

// selectArbitrary takes the first n eligible nodes in host index order.
func selectArbitrary(views []hostView, n int) []string {
	var result []string
	for _, v := range views {
		for _, id := range v.eligible {
			if len(result) == n {
				return result
			}
			result = append(result, id)
		}
	}
	return result
}

// selectSingleHost takes n nodes from the best fitting host and leaves the
// rest of that host free.
func selectSingleHost(views []hostView, n int, bestEffort bool) []string {
	if i := bestFit(views, n, false); i >= 0 {
		return head(views[i].eligible, n)
	}
	if bestEffort {
		if i := largest(views, false); i >= 0 {
			return head(views[i].eligible, n)
		}
	}
	return nil
}

// selectSingleHostExclusive reserves every free node of the best fitting
// host; the first n are selected and the rest are extra.
func selectSingleHostExclusive(views []hostView, n int, bestEffort bool) (selected, extra []string) {
	i := bestFit(views, n, true)
	if i < 0 && bestEffort {
		i = largest(views, true)
	}
	if i < 0 {
		return nil, nil
	}
	return split(views[i].eligible, n)
}

// selectMultipleHostsExclusive gathers n nodes from whole hosts, each time
// taking the host whose size is closest to the remaining need.
func selectMultipleHostsExclusive(views []hostView, n int) (selected, extra []string) {
	pool := completeHosts(views)
	remaining := n

	for remaining > 0 && len(pool) > 0 {
		i := closest(pool, remaining)
		h := pool[i]
		pool = append(pool[:i:i], pool[i+1:]...)

		sel, ext := split(h.eligible, remaining)
		selected = append(selected, sel...)
		extra = append(extra, ext...)
		remaining -= len(sel)
	}
	return selected, extra
}

// selectDifferentHostsExclusive reserves n whole hosts, smallest first, and
// selects one node from each.
func selectDifferentHostsExclusive(views []hostView, n int) (selected, extra []string) {
	pool := completeHosts(views)
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].size() < pool[j].size()
	})

	for _, h := range pool {
		if len(selected) == n {
			break
		}
		sel, ext := split(h.eligible, 1)
		selected = append(selected, sel...)
		extra = append(extra, ext...)
	}
	return selected, extra
}

// bestFit returns the index of the smallest host holding at least n eligible
// nodes, or -1. Ties keep host index order.
func bestFit(views []hostView, n int, needComplete bool) int {
	best := -1
	for i, v := range views {
		if v.size() < n || (needComplete && !v.complete) {
			continue
		}
		if best < 0 || v.size() < views[best].size() {
			best = i
		}
	}
	return best
}

// largest returns the index of the host with the most eligible nodes, or -1.
func largest(views []hostView, needComplete bool) int {
	best := -1
	for i, v := range views {
		if needComplete && !v.complete {
			continue
		}
		if best < 0 || v.size() > views[best].size() {
			best = i
		}
	}
	return best
}

// closest returns the largest host not exceeding target, or failing that the
// smallest host above it.
func closest(pool []hostView, target int) int {
	below, above := -1, -1
	for i, h := range pool {
		if h.size() <= target {
			if below < 0 || h.size() > pool[below].size() {
				below = i
			}
		} else if above < 0 || h.size() < pool[above].size() {
			above = i
		}
	}
	if below >= 0 {
		return below
	}
	return above
}

func completeHosts(views []hostView) []hostView {
	result := make([]hostView, 0, len(views))
	for _, v := range views {
		if v.complete {
			result = append(result, v)
		}
	}
	return result
}

func head(ids []string, n int) []string {
	if len(ids) > n {
		ids = ids[:n]
	}
	return append([]string(nil), ids...)
}

func split(ids []string, n int) (first, rest []string) {
	if len(ids) <= n {
		return append([]string(nil), ids...), nil
	}
	return append([]string(nil), ids[:n]...), append([]string(nil), ids[n:]...)
}
