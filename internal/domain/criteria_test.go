// Package domain provides tests for allocation criteria.
package domain

import (
	"errors"
	"testing"
)

func TestNewCriteria_Validation(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		topology Topology
		opts     []CriteriaOption
		wantErr  bool
	}{
		{"valid", 2, TopologySingleHost, nil, false},
		{"zero count", 0, TopologyArbitrary, nil, true},
		{"negative count", -1, TopologyArbitrary, nil, true},
		{"unknown topology", 1, Topology("NEAREST"), nil, true},
		{"empty script", 1, TopologyArbitrary, []CriteriaOption{WithScripts(SelectionScript{Name: "x", Content: "  "})}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCriteria(tt.count, tt.topology, tt.opts...)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("Expected ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestCriteria_Admits(t *testing.T) {
	c, err := NewCriteria(1, TopologyArbitrary, WithBlacklist("b"), WithAcceptable("a", "b"))
	if err != nil {
		t.Fatalf("NewCriteria failed: %v", err)
	}

	if !c.Admits("a") {
		t.Error("Expected acceptable node to be admitted")
	}
	if c.Admits("b") {
		t.Error("Expected blacklisted node to be rejected even when acceptable")
	}
	if c.Admits("c") {
		t.Error("Expected node outside the acceptable list to be rejected")
	}

	open, _ := NewCriteria(1, TopologyArbitrary)
	if !open.Admits("anything") {
		t.Error("Expected every node to be admitted without an acceptable list")
	}
}

func TestCriteria_ScriptsAreCopied(t *testing.T) {
	c, err := NewCriteria(1, TopologyArbitrary, WithScripts(SelectionScript{Name: "s", Content: "gpu"}))
	if err != nil {
		t.Fatalf("NewCriteria failed: %v", err)
	}

	scripts := c.Scripts()
	scripts[0].Content = "changed"
	if c.Scripts()[0].Content != "gpu" {
		t.Error("Criteria scripts were mutated through the accessor")
	}
}

func TestParseTopology(t *testing.T) {
	for _, topo := range Topologies {
		got, err := ParseTopology(string(topo))
		if err != nil || got != topo {
			t.Errorf("ParseTopology(%q) = %q, %v", topo, got, err)
		}
	}
	if _, err := ParseTopology("CLOSE_TO_ME"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestSelectionScript_Digest(t *testing.T) {
	a := SelectionScript{Content: "gpu=true\n"}
	b := SelectionScript{Content: "  gpu=true"}
	if a.Digest() != b.Digest() {
		t.Error("Expected digests to ignore surrounding whitespace")
	}
	if a.Digest() == (SelectionScript{Content: "gpu=false"}).Digest() {
		t.Error("Expected different content to have different digests")
	}
}

func TestFreeSnapshot(t *testing.T) {
	snap := FreeSnapshot{Hosts: []HostGroup{
		{Host: "h1", NodeIDs: []string{"a", "b"}},
		{Host: "h2", NodeIDs: []string{"c"}},
	}}

	if snap.Total() != 3 {
		t.Errorf("Expected 3 nodes, got %d", snap.Total())
	}
	if snap.FreeCount("h1") != 2 || snap.FreeCount("missing") != 0 {
		t.Error("Unexpected free counts")
	}
	if ids := snap.NodeIDs(); len(ids) != 3 || ids[2] != "c" {
		t.Errorf("Unexpected node IDs %v", ids)
	}
}
