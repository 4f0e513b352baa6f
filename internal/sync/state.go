package sync

import (
	"errors"
	gosync "sync"
	"time"

	"github.com/schaermu/dvsync/internal/dataverse"
)

// nodeCache holds the remote nodes of the current run keyed by manifest
// identifier (the root under its alias). Nodes stored here are never mutated;
// a repository call that changes a node stores a fresh copy via Replace.
type nodeCache struct {
	mu      gosync.Mutex
	nodes   map[string]*dataverse.RemoteNode
	planned map[string]bool
}

func newNodeCache() *nodeCache {
	return &nodeCache{
		nodes:   make(map[string]*dataverse.RemoteNode),
		planned: make(map[string]bool),
	}
}

// Get returns the cached node for id
func (c *nodeCache) Get(id string) (*dataverse.RemoteNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return n, ok
}

// LoadOrStore inserts node under id unless one is already present. It returns
// the node that ends up cached and whether it was already there.
func (c *nodeCache) LoadOrStore(id string, node *dataverse.RemoteNode) (*dataverse.RemoteNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.nodes[id]; ok {
		return existing, true
	}
	c.nodes[id] = node
	return node, false
}

// Replace stores the post-call state of a node
func (c *nodeCache) Replace(id string, node *dataverse.RemoteNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[id] = node
}

// MarkPlanned stores a placeholder for a node a dry run would create
func (c *nodeCache) MarkPlanned(id string, node *dataverse.RemoteNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[id] = node
	c.planned[id] = true
}

// Planned reports whether id only exists as a dry-run placeholder
func (c *nodeCache) Planned(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planned[id]
}

// gate decides whether new work may start: it closes once the run budget
// expires or a fatal error was reported.
type gate struct {
	deadline time.Time
	now      func() time.Time

	mu    gosync.Mutex
	fatal error
}

func newGate(budget time.Duration, now func() time.Time) *gate {
	g := &gate{now: now}
	if budget > 0 {
		g.deadline = now().Add(budget)
	}
	return g
}

// Abort closes the gate with a fatal error. The first error wins.
func (g *gate) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fatal == nil {
		g.fatal = err
	}
}

// Fatal returns the error passed to Abort, if any
func (g *gate) Fatal() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fatal
}

// Err returns why no new work may start, or nil while the gate is open
func (g *gate) Err() error {
	if err := g.Fatal(); err != nil {
		return err
	}
	if !g.deadline.IsZero() && !g.now().Before(g.deadline) {
		return ErrRunTimeout
	}
	return nil
}

// reason returns the error recorded for nodes left without a result
func (g *gate) reason() error {
	if err := g.Err(); err != nil {
		return err
	}
	return errNotProcessed
}

// isRunTimeout reports whether err is the budget expiry
func isRunTimeout(err error) bool {
	return errors.Is(err, ErrRunTimeout)
}
