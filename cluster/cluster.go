// Package cluster runs a local botnet over an in memory network, used for
// testing and evaluation.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	botnet "github.com/strongloop-forks/node-botnet"
	"go.uber.org/zap"
)

const (
	// seedCount is the number of existing nodes each new node seeds from.
	seedCount = 3

	pollInterval = 10 * time.Millisecond
)

type Node struct {
	ID  string
	Bot *botnet.Bot
}

func (n *Node) KnownPeers() int {
	// Add one to include itself.
	return len(n.Bot.Peers()) + 1
}

func (n *Node) DiscoveredNode(sessionID uint64) bool {
	if sessionID == n.Bot.SessionID() {
		return true
	}

	_, ok := n.Bot.Peer(sessionID)
	return ok
}

func (n *Node) ReceivedUpdate(sessionID uint64, key string, value interface{}) bool {
	raw, ok := n.Bot.Lookup(sessionID, key)
	if !ok {
		return false
	}
	expected, err := json.Marshal(value)
	if err != nil {
		return false
	}
	return string(raw) == string(expected)
}

// Cluster manages a local cluster of bots connected over a mock network.
type Cluster struct {
	network *botnet.MockNetwork
	options []botnet.Option

	mu    sync.Mutex
	nodes map[string]*Node

	logger *zap.Logger
}

// NewCluster returns an empty cluster. The given options are applied to
// every bot added.
func NewCluster(logger *zap.Logger, options ...botnet.Option) *Cluster {
	return &Cluster{
		network: botnet.NewMockNetwork(),
		options: options,
		nodes:   make(map[string]*Node),
		logger:  logger,
	}
}

// AddNode starts a new bot which seeds from a few random existing nodes.
func (c *Cluster) AddNode() (*Node, error) {
	id := uuid.New().String()
	seeds := c.seeds(seedCount)

	opts := []botnet.Option{
		botnet.WithTransport(c.network.NewTransport()),
		botnet.WithGossipInterval(100 * time.Millisecond),
		botnet.WithHeartbeatInterval(100 * time.Millisecond),
		botnet.WithPeerTimeout(5 * time.Second),
		botnet.WithLogger(c.logger.With(zap.String("node", id))),
		botnet.WithSeeds(seeds...),
	}
	b, err := botnet.Create(append(opts, c.options...)...)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	// Use a port of 0 to let the network assign a free port.
	if err := b.Listen("127.0.0.1:0"); err != nil {
		b.Close()
		return nil, fmt.Errorf("node %s: %w", id, err)
	}

	node := &Node{
		ID:  id,
		Bot: b,
	}

	c.mu.Lock()
	c.nodes[node.ID] = node
	c.mu.Unlock()

	return node, nil
}

func (c *Cluster) AddNodes(n int) error {
	var errs error
	for i := 0; i < n; i++ {
		if _, err := c.AddNode(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes := make([]*Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}

// WaitForHealthy waits for all nodes to discover each other.
func (c *Cluster) WaitForHealthy(ctx context.Context) error {
	return c.waitForAll(ctx, func(node *Node, total int) bool {
		return node.KnownPeers() == total
	})
}

// WaitToDiscover waits for all nodes to learn about the bot with the given
// session ID.
func (c *Cluster) WaitToDiscover(ctx context.Context, sessionID uint64) error {
	return c.waitForAll(ctx, func(node *Node, _ int) bool {
		return node.DiscoveredNode(sessionID)
	})
}

// WaitToUpdate waits for all nodes to receive the given update.
func (c *Cluster) WaitToUpdate(ctx context.Context, sessionID uint64, key string, value interface{}) error {
	return c.waitForAll(ctx, func(node *Node, _ int) bool {
		return node.ReceivedUpdate(sessionID, key, value)
	})
}

// Shutdown closes every bot in the cluster.
func (c *Cluster) Shutdown() error {
	var errs error
	for _, node := range c.Nodes() {
		if err := node.Bot.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("node %s: %w", node.ID, err))
		}
	}
	return errs
}

func (c *Cluster) waitForAll(ctx context.Context, done func(node *Node, total int) bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			nodes := c.Nodes()
			healthy := 0
			for _, node := range nodes {
				if done(node, len(nodes)) {
					healthy++
				}
			}
			if healthy == len(nodes) {
				return nil
			}
		}
	}
}

func (c *Cluster) seeds(n int) []string {
	seeds := []string{}
	for _, node := range c.Nodes() {
		if addr := node.Bot.Addr(); addr != nil {
			seeds = append(seeds, addr.String())
		}
	}
	rand.Shuffle(len(seeds), func(i, j int) {
		seeds[i], seeds[j] = seeds[j], seeds[i]
	})

	if len(seeds) < n {
		return seeds
	}
	return seeds[:n]
}
