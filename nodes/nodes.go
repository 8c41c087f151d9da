// Package nodes maintains the table of mesh peers heard over the link,
// including identity, last position and last-heard times. The table feeds
// the reachability check that distinguishes a connected-but-isolated radio
// from one with live mesh neighbors.
package nodes

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Node is one mesh peer.
type Node struct {
	ID        string
	LongName  string
	ShortName string
	Battery   int
	Latitude  float64
	Longitude float64
	LastHeard time.Time
}

// Table tracks every node heard over the mesh.
type Table struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	clk   clock.Clock
}

// NewTable creates an empty node table on the given clock.
func NewTable(clk clock.Clock) *Table {
	return &Table{
		nodes: make(map[string]*Node),
		clk:   clk,
	}
}

// Heard records that a node was heard from right now, creating it if new.
// It returns true when the node was not previously known.
func (t *Table) Heard(id string) bool {
	if id == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		n = &Node{ID: id}
		t.nodes[id] = n
	}
	n.LastHeard = t.clk.Now()
	return !ok
}

// SetInfo updates a node's identity fields.
func (t *Table) SetInfo(id, longName, shortName string, battery int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		n = &Node{ID: id}
		t.nodes[id] = n
	}
	n.LongName = longName
	n.ShortName = shortName
	n.Battery = battery
	n.LastHeard = t.clk.Now()
}

// SetPosition updates a node's last known position.
func (t *Table) SetPosition(id string, lat, lon float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		n = &Node{ID: id}
		t.nodes[id] = n
	}
	n.Latitude = lat
	n.Longitude = lon
	n.LastHeard = t.clk.Now()
}

// Get returns a copy of the node, if known.
func (t *Table) Get(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// List returns copies of all known nodes, most recently heard first.
func (t *Table) List() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeard.After(out[j].LastHeard)
	})
	return out
}

// ActiveCount returns how many nodes were heard within the window.
func (t *Table) ActiveCount(window time.Duration) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.clk.Now().Add(-window)
	count := 0
	for _, n := range t.nodes {
		if n.LastHeard.After(cutoff) {
			count++
		}
	}
	return count
}

// Reachable reports whether any mesh neighbor was heard within the window.
// A connected radio with no recent neighbors is isolated: traffic can be
// queued for eventual relay but cannot be confirmed delivered.
func (t *Table) Reachable(window time.Duration) bool {
	return t.ActiveCount(window) > 0
}
