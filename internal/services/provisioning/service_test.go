// Package provisioning provides tests for the provisioning service and watcher.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/registry"
	"github.com/limiquantix/placement/internal/repository/etcd"
)

// MockInventory is a mock implementation of Inventory.
type MockInventory struct {
	mu      sync.Mutex
	nodes   map[string]*domain.Node
	saveErr error
}

func NewMockInventory(nodes ...*domain.Node) *MockInventory {
	m := &MockInventory{nodes: make(map[string]*domain.Node)}
	for _, n := range nodes {
		m.nodes[n.ID] = n
	}
	return m
}

func (m *MockInventory) Save(_ context.Context, n *domain.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.nodes[n.ID] = n.Clone()
	return nil
}

func (m *MockInventory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.nodes, id)
	return nil
}

func (m *MockInventory) List(_ context.Context) ([]*domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.Node
	for _, n := range m.nodes {
		result = append(result, n.Clone())
	}
	return result, nil
}

func (m *MockInventory) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[id]
	return ok
}

// MockAnnouncer records announcements.
type MockAnnouncer struct {
	registered   []string
	deregistered []string
}

func (m *MockAnnouncer) RegisterNode(_ context.Context, n *domain.Node) error {
	m.registered = append(m.registered, n.ID)
	return nil
}

func (m *MockAnnouncer) DeregisterNode(_ context.Context, id string) error {
	m.deregistered = append(m.deregistered, id)
	return nil
}

func TestService_Load(t *testing.T) {
	reg := registry.New(zap.NewNop())
	inv := NewMockInventory(
		&domain.Node{ID: "n1", Host: "h1"},
		&domain.Node{ID: "n2", Host: "h1"},
		&domain.Node{ID: "bad"},
	)
	svc := NewService(reg, inv, nil, zap.NewNop())

	loaded, err := svc.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != 2 {
		t.Errorf("Expected 2 loaded nodes, got %d", loaded)
	}
	if got := reg.SnapshotFreeByHost().FreeCount("h1"); got != 2 {
		t.Errorf("Expected 2 free nodes on h1, got %d", got)
	}
}

func TestService_RegisterDeregister(t *testing.T) {
	reg := registry.New(zap.NewNop())
	inv := NewMockInventory()
	ann := &MockAnnouncer{}
	svc := NewService(reg, inv, ann, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Register(ctx, &domain.Node{ID: "n1"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}

	node, err := svc.Register(ctx, &domain.Node{ID: "n1", Host: "h1"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !node.IsFree() {
		t.Error("Expected registered node to be free")
	}
	if !inv.has("n1") {
		t.Error("Expected node to be saved")
	}
	if len(ann.registered) != 1 {
		t.Errorf("Expected node to be announced once, got %v", ann.registered)
	}

	if err := svc.Deregister(ctx, "n1"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if _, err := reg.Get("n1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected node removed from registry, got %v", err)
	}
	if inv.has("n1") {
		t.Error("Expected node removed from inventory")
	}
	if len(ann.deregistered) != 1 {
		t.Errorf("Expected withdrawal to be announced, got %v", ann.deregistered)
	}

	if err := svc.Deregister(ctx, "n1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestService_RegisterRollsBackOnSaveFailure(t *testing.T) {
	reg := registry.New(zap.NewNop())
	inv := NewMockInventory()
	inv.saveErr = errors.New("database down")
	svc := NewService(reg, inv, nil, zap.NewNop())

	if _, err := svc.Register(context.Background(), &domain.Node{ID: "n1", Host: "h1"}); err == nil {
		t.Fatal("Expected error")
	}
	if _, err := reg.Get("n1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected registration to be undone, got %v", err)
	}
}

func TestService_DeregisterAllocatedNode(t *testing.T) {
	reg := registry.New(zap.NewNop())
	svc := NewService(reg, NewMockInventory(), nil, zap.NewNop())
	ctx := context.Background()

	for _, id := range []string{"n1", "n2"} {
		if _, err := svc.Register(ctx, &domain.Node{ID: id, Host: "h1"}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	_, err := reg.Allocate(registry.Request{ID: "a1", Requested: 2, Topology: domain.TopologySingleHost},
		func(domain.FreeSnapshot) ([]string, []string) { return []string{"n1", "n2"}, nil })
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	if err := svc.Deregister(ctx, "n1"); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	ns, err := reg.Allocation("a1")
	if err != nil {
		t.Fatalf("Allocation failed: %v", err)
	}
	if ns.Len() != 1 || ns.Selected[0].ID != "n2" {
		t.Errorf("Expected allocation to shrink to n2, got %v", ns.IDs())
	}
}

// MockNodeSource is a mock etcd node source.
type MockNodeSource struct {
	nodes  []*domain.Node
	events chan etcd.WatchEvent
}

func (m *MockNodeSource) GetNodes(context.Context) ([]*domain.Node, error) {
	return m.nodes, nil
}

func (m *MockNodeSource) WatchNodes(context.Context) <-chan etcd.WatchEvent {
	return m.events
}

func (m *MockNodeSource) NodeIDFromKey(key string) string {
	return key[len("/placement/nodes/"):]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatcher_AppliesAnnouncements(t *testing.T) {
	reg := registry.New(zap.NewNop())
	inv := NewMockInventory()
	ann := &MockAnnouncer{}
	svc := NewService(reg, inv, ann, zap.NewNop())
	source := &MockNodeSource{
		nodes:  []*domain.Node{{ID: "n1", Host: "h1"}},
		events: make(chan etcd.WatchEvent, 4),
	}
	w := NewWatcher(svc, source, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "initial sync", func() bool { _, err := reg.Get("n1"); return err == nil })

	payload, _ := json.Marshal(&domain.Node{ID: "n2", Host: "h2"})
	source.events <- etcd.WatchEvent{Type: etcd.EventTypePut, Key: "/placement/nodes/n2", Value: payload}
	source.events <- etcd.WatchEvent{Type: etcd.EventTypePut, Key: "/placement/nodes/bad", Value: []byte("{")}
	source.events <- etcd.WatchEvent{Type: etcd.EventTypeDelete, Key: "/placement/nodes/n1"}

	waitFor(t, "announced node", func() bool { _, err := reg.Get("n2"); return err == nil })
	waitFor(t, "withdrawn node", func() bool { _, err := reg.Get("n1"); return err != nil })

	if !inv.has("n2") || inv.has("n1") {
		t.Error("Expected inventory to follow announcements")
	}
	if len(ann.registered) != 0 || len(ann.deregistered) != 0 {
		t.Error("Watcher must not re-announce nodes it received")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}
