// Package etcd provides etcd client functionality for node discovery and
// leader election.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/config"
	"github.com/limiquantix/placement/internal/domain"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

// Client wraps an etcd client with leader election and node registration.
type Client struct {
	client     *clientv3.Client
	session    *concurrency.Session
	nodePrefix string
	logger     *zap.Logger
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 15
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	prefix := cfg.NodePrefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Client{
		client:     client,
		session:    session,
		nodePrefix: prefix,
		logger:     logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// =============================================================================
// Key-Value Operations
// =============================================================================

// Put stores a value in etcd.
func (c *Client) Put(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if _, err := c.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// Get retrieves a value from etcd.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get key: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return ErrKeyNotFound
	}

	return json.Unmarshal(resp.Kvs[0].Value, dest)
}

// Delete removes a key from etcd.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.client.Delete(ctx, key)
	return err
}

// =============================================================================
// Watch Operations
// =============================================================================

// WatchEvent represents an etcd watch event.
type WatchEvent struct {
	Type  EventType
	Key   string
	Value []byte
}

// EventType represents the type of watch event.
type EventType string

const (
	EventTypePut    EventType = "PUT"
	EventTypeDelete EventType = "DELETE"
)

// Watch watches for changes on a key or prefix.
func (c *Client) Watch(ctx context.Context, key string, prefix bool) <-chan WatchEvent {
	events := make(chan WatchEvent, 10)

	opts := []clientv3.OpOption{}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}

	go func() {
		defer close(events)

		watchCh := c.client.Watch(ctx, key, opts...)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					return
				}
				for _, ev := range resp.Events {
					eventType := EventTypePut
					if ev.Type == clientv3.EventTypeDelete {
						eventType = EventTypeDelete
					}
					select {
					case events <- WatchEvent{Type: eventType, Key: string(ev.Kv.Key), Value: ev.Kv.Value}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return events
}

// =============================================================================
// Leader Election
// =============================================================================

// Leader represents a leader election participant.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader atomic.Bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign under key.
func (c *Client) CampaignForLeader(ctx context.Context, key, name string, callback LeaderCallback) (*Leader, error) {
	election := concurrency.NewElection(c.session, key)

	leader := &Leader{
		election: election,
		client:   c,
		name:     name,
	}

	// Start campaign in background
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := election.Campaign(ctx, name); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
				time.Sleep(5 * time.Second)
				continue
			}

			leader.isLeader.Store(true)
			c.logger.Info("Became leader", zap.String("name", name))
			if callback != nil {
				callback(true)
			}

			// Wait until we lose leadership
			select {
			case <-ctx.Done():
				return
			case <-c.session.Done():
				leader.isLeader.Store(false)
				c.logger.Warn("Lost leadership", zap.String("name", name))
				if callback != nil {
					callback(false)
				}
				return
			}
		}
	}()

	return leader, nil
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign resigns from leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if l.election == nil || !l.isLeader.Load() {
		return nil
	}

	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("name", l.name))
	return nil
}

// =============================================================================
// Node Registration
// =============================================================================

// NodePrefix returns the key prefix under which nodes are registered.
func (c *Client) NodePrefix() string {
	return c.nodePrefix
}

// NodeKey returns the key of a node.
func (c *Client) NodeKey(id string) string {
	return c.nodePrefix + id
}

// NodeIDFromKey extracts the node ID from a node key.
func (c *Client) NodeIDFromKey(key string) string {
	return strings.TrimPrefix(key, c.nodePrefix)
}

// RegisterNode publishes a node so every placement instance picks it up.
func (c *Client) RegisterNode(ctx context.Context, node *domain.Node) error {
	return c.Put(ctx, c.NodeKey(node.ID), node)
}

// GetNodes returns all registered nodes.
func (c *Client) GetNodes(ctx context.Context) ([]*domain.Node, error) {
	resp, err := c.client.Get(ctx, c.nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get nodes: %w", err)
	}

	var nodes []*domain.Node
	for _, kv := range resp.Kvs {
		var node domain.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			c.logger.Warn("Failed to unmarshal node", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}

	return nodes, nil
}

// DeregisterNode removes a node from the cluster.
func (c *Client) DeregisterNode(ctx context.Context, nodeID string) error {
	return c.Delete(ctx, c.NodeKey(nodeID))
}

// WatchNodes watches node registrations.
func (c *Client) WatchNodes(ctx context.Context) <-chan WatchEvent {
	return c.Watch(ctx, c.nodePrefix, true)
}
