// Package registry provides tests for the node registry.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
)

// seed registers nodes named <host>-n<i> for each host/count pair, in order.
func seed(t *testing.T, r *Registry, hosts ...interface{}) {
	t.Helper()
	for i := 0; i < len(hosts); i += 2 {
		host := hosts[i].(string)
		count := hosts[i+1].(int)
		for n := 0; n < count; n++ {
			if _, err := r.AddNode(&domain.Node{ID: fmt.Sprintf("%s-n%d", host, n), Host: host}); err != nil {
				t.Fatalf("AddNode failed: %v", err)
			}
		}
	}
}

func takeAll(ids ...string) PickFunc {
	return func(domain.FreeSnapshot) ([]string, []string) {
		return ids, nil
	}
}

func TestRegistry_AddNode_Idempotent(t *testing.T) {
	r := New(zap.NewNop())

	if _, err := r.AddNode(&domain.Node{ID: "a", Host: "host1"}); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if _, err := r.AddNode(&domain.Node{ID: "a", Host: "host2"}); err != nil {
		t.Fatalf("second AddNode failed: %v", err)
	}

	snap := r.SnapshotFreeByHost()
	if snap.Total() != 1 {
		t.Fatalf("Expected 1 free node, got %d", snap.Total())
	}
	if snap.FreeCount("host1") != 1 || snap.FreeCount("host2") != 0 {
		t.Errorf("Expected node to stay on host1, got %+v", snap.Hosts)
	}
}

func TestRegistry_AddNode_Invalid(t *testing.T) {
	r := New(zap.NewNop())

	if _, err := r.AddNode(&domain.Node{ID: "", Host: "h"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for empty ID, got %v", err)
	}
	if _, err := r.AddNode(&domain.Node{ID: "x"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for empty host, got %v", err)
	}
}

func TestRegistry_Snapshot_PartitionsFreeNodes(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 2, "host2", 3, "host3", 1)

	if _, err := r.Allocate(Request{ID: "alloc-1", Requested: 2}, takeAll("host2-n0", "host3-n0")); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	snap := r.SnapshotFreeByHost()
	seen := make(map[string]bool)
	for _, g := range snap.Hosts {
		for _, id := range g.NodeIDs {
			if seen[id] {
				t.Fatalf("Node %s appears twice in snapshot", id)
			}
			seen[id] = true

			n, err := r.Get(id)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !n.IsFree() || n.Host != g.Host {
				t.Errorf("Node %s listed under %s but is %s on %s", id, g.Host, n.State, n.Host)
			}
		}
	}

	for _, n := range r.List() {
		if n.IsFree() != seen[n.ID] {
			t.Errorf("Node %s free=%v but in snapshot=%v", n.ID, n.IsFree(), seen[n.ID])
		}
	}

	if snap.FreeCount("host3") != 0 {
		t.Errorf("Expected host3 to have no free nodes")
	}
	for _, g := range snap.Hosts {
		if g.Host == "host3" {
			t.Errorf("Hosts without free nodes must be omitted from snapshot")
		}
	}
}

func TestRegistry_Snapshot_HostOrder(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "b", 1, "a", 1, "c", 2)

	snap := r.SnapshotFreeByHost()
	want := []string{"b", "a", "c"}
	if len(snap.Hosts) != len(want) {
		t.Fatalf("Expected %d hosts, got %d", len(want), len(snap.Hosts))
	}
	for i, h := range want {
		if snap.Hosts[i].Host != h {
			t.Errorf("Host %d: expected %s, got %s", i, h, snap.Hosts[i].Host)
		}
	}
	if got := snap.Hosts[2].NodeIDs; got[0] != "c-n0" || got[1] != "c-n1" {
		t.Errorf("Expected insertion order within host, got %v", got)
	}
}

func TestRegistry_Allocate_MarksBusy(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 3)

	ns, err := r.Allocate(Request{ID: "alloc-1", Requested: 1, Topology: domain.TopologySingleHostExclusive},
		func(snap domain.FreeSnapshot) ([]string, []string) {
			ids := snap.Hosts[0].NodeIDs
			return ids[:1], ids[1:]
		})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if ns.ID != "alloc-1" || ns.Len() != 1 || len(ns.Extra) != 2 {
		t.Fatalf("Unexpected node set: %+v", ns)
	}
	for _, id := range ns.AllIDs() {
		n, _ := r.Get(id)
		if n.State != domain.NodeStateBusy || n.AllocationID != "alloc-1" {
			t.Errorf("Node %s should be busy for alloc-1, got %s/%s", id, n.State, n.AllocationID)
		}
	}
	if r.SnapshotFreeByHost().Total() != 0 {
		t.Errorf("Expected no free nodes left")
	}
}

func TestRegistry_Allocate_EmptyPick(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 1)

	ns, err := r.Allocate(Request{ID: "alloc-1", Requested: 2}, takeAll())
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if !ns.Empty() || ns.ID != "" {
		t.Errorf("Expected empty node set without ID, got %+v", ns)
	}
	if r.Stats().Allocations != 0 {
		t.Errorf("Empty pick must not record an allocation")
	}
}

func TestRegistry_Allocate_ConflictLeavesStateUntouched(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 2)

	if _, err := r.Allocate(Request{ID: "first"}, takeAll("host1-n1")); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	_, err := r.Allocate(Request{ID: "second"}, takeAll("host1-n0", "host1-n1"))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	n, _ := r.Get("host1-n0")
	if !n.IsFree() {
		t.Errorf("host1-n0 must stay free after a rejected allocation")
	}

	_, err = r.Allocate(Request{ID: "third"}, takeAll("host1-n0", "host1-n0"))
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate pick, got %v", err)
	}
	_, err = r.Allocate(Request{ID: "fourth"}, takeAll("missing"))
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Expected ErrConflict for unknown node, got %v", err)
	}
}

func TestRegistry_Release_Idempotent(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 2)

	if _, err := r.Allocate(Request{ID: "a1"}, takeAll("host1-n0", "host1-n1")); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if freed := r.Release("a1"); freed != 2 {
		t.Fatalf("Expected 2 freed nodes, got %d", freed)
	}

	// The same nodes are now owned by a later allocation; releasing a1 again must not touch them.
	if _, err := r.Allocate(Request{ID: "a2"}, takeAll("host1-n0")); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if freed := r.Release("a1"); freed != 0 {
		t.Errorf("Second release freed %d nodes", freed)
	}
	n, _ := r.Get("host1-n0")
	if n.AllocationID != "a2" {
		t.Errorf("Expected host1-n0 to stay with a2, got %q", n.AllocationID)
	}
}

func TestRegistry_FreeNodes(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 2)

	if _, err := r.Allocate(Request{ID: "a1"}, takeAll("host1-n0")); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	freed := r.FreeNodes([]string{"host1-n0", "host1-n1", "unknown"})
	if freed != 1 {
		t.Errorf("Expected 1 node freed, got %d", freed)
	}
	if freed := r.FreeNodes([]string{"host1-n0"}); freed != 0 {
		t.Errorf("Freeing a free node must be a no-op, freed %d", freed)
	}
	if _, err := r.Allocation("a1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected allocation to be gone once all nodes are free, got %v", err)
	}
}

func TestRegistry_RemoveNode(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 2, "host2", 1)

	if _, err := r.Allocate(Request{ID: "a1", Requested: 2}, takeAll("host1-n0", "host1-n1")); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if err := r.RemoveNode("host1-n1"); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}

	ns, err := r.Allocation("a1")
	if err != nil {
		t.Fatalf("Allocation failed: %v", err)
	}
	if ns.Len() != 1 || ns.Selected[0].ID != "host1-n0" {
		t.Errorf("Expected allocation to shrink to host1-n0, got %v", ns.IDs())
	}

	if err := r.RemoveNode("host2-n0"); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}
	if r.Stats().Hosts != 1 {
		t.Errorf("Expected host2 to disappear, hosts=%d", r.Stats().Hosts)
	}

	if err := r.RemoveNode("host2-n0"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Heartbeat(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 1)

	if err := r.Heartbeat("host1-n0"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	n, _ := r.Get("host1-n0")
	if n.LastHeartbeat == nil {
		t.Errorf("Expected heartbeat to be recorded")
	}
	if err := r.Heartbeat("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Subscribe(t *testing.T) {
	r := New(zap.NewNop())
	events, cancel := r.Subscribe(16)

	seed(t, r, "host1", 1)
	if _, err := r.Allocate(Request{ID: "a1"}, takeAll("host1-n0")); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := r.RemoveNode("host1-n0"); err != nil {
		t.Fatalf("RemoveNode failed: %v", err)
	}

	want := []EventType{EventNodeAdded, EventNodeStateChanged, EventNodeRemoved}
	for i, typ := range want {
		ev := <-events
		if ev.Type != typ {
			t.Errorf("Event %d: expected %s, got %s", i, typ, ev.Type)
		}
	}

	cancel()
	if _, ok := <-events; ok {
		t.Errorf("Expected channel to be closed after cancel")
	}
	cancel()
}

func TestRegistry_ConcurrentAllocate_NoDoubleBooking(t *testing.T) {
	r := New(zap.NewNop())
	seed(t, r, "host1", 10, "host2", 10)

	var wg sync.WaitGroup
	results := make(chan []string, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ns, err := r.Allocate(Request{ID: fmt.Sprintf("a%d", i), Requested: 1},
				func(snap domain.FreeSnapshot) ([]string, []string) {
					ids := snap.NodeIDs()
					if len(ids) == 0 {
						return nil, nil
					}
					return ids[:1], nil
				})
			if err != nil {
				t.Errorf("Allocate failed: %v", err)
				return
			}
			results <- ns.IDs()
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	total := 0
	for ids := range results {
		for _, id := range ids {
			if seen[id] {
				t.Fatalf("Node %s allocated twice", id)
			}
			seen[id] = true
			total++
		}
	}
	if total != 20 {
		t.Errorf("Expected all 20 nodes allocated exactly once, got %d", total)
	}
}
