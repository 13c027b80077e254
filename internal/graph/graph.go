// Package graph holds the typed graph projected from the event journal.
//
// The projection is derived state: it mutates only through Apply, in journal
// order, and Rebuild recreates it losslessly from any journal prefix. Two
// replays of the same prefix yield identical node and edge sets.
package graph

import (
	"fmt"
	"sort"
	"sync"
)

// NodeType is one of the closed set of projected node types.
type NodeType string

const (
	NodeTarget         NodeType = "Target"
	NodeTask           NodeType = "Task"
	NodeAttempt        NodeType = "Attempt"
	NodeWorkspace      NodeType = "Workspace"
	NodeArtifact       NodeType = "Artifact"
	NodeModelCall      NodeType = "ModelCall"
	NodeTestRun        NodeType = "TestRun"
	NodeCommit         NodeType = "Commit"
	NodePullRequest    NodeType = "PullRequest"
	NodePolicySnapshot NodeType = "PolicySnapshot"
	NodeActor          NodeType = "Actor"
	NodeDelegation     NodeType = "Delegation"
)

// EdgeType is one of the closed set of projected edge types.
type EdgeType string

const (
	EdgeDependsOn    EdgeType = "DEPENDS_ON"
	EdgeProduced     EdgeType = "PRODUCED"
	EdgeRunsIn       EdgeType = "RUNS_IN"
	EdgeAuthorizedBy EdgeType = "AUTHORIZED_BY"
	EdgeDelegates    EdgeType = "DELEGATES"
	EdgeInvalidates  EdgeType = "INVALIDATES"
	EdgeSupports     EdgeType = "SUPPORTS"
	EdgeContests     EdgeType = "CONTESTS"
)

// Node is a projected graph node. Props carries the per-type property
// record, merged from the payloads of the events that touched the node.
type Node struct {
	ID    string         `json:"node_id"`
	Type  NodeType       `json:"node_type"`
	Props map[string]any `json:"props"`
}

// Edge is a flat typed edge, deduplicated by the key from:type:to.
type Edge struct {
	From string   `json:"from"`
	Type EdgeType `json:"edge_type"`
	To   string   `json:"to"`
}

func (e Edge) key() string { return e.From + ":" + string(e.Type) + ":" + e.To }

// Projection is the in-memory graph. Safe for concurrent readers; writers
// (Apply, Rebuild) take the exclusive lock.
type Projection struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string]Edge
}

// New returns an empty projection.
func New() *Projection {
	return &Projection{
		nodes: make(map[string]*Node),
		edges: make(map[string]Edge),
	}
}

// Clear drops all nodes and edges.
func (p *Projection) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = make(map[string]*Node)
	p.edges = make(map[string]Edge)
}

// upsert merges props into the node with the given id, creating it if absent.
// Caller holds the write lock.
func (p *Projection) upsert(id string, t NodeType, props map[string]any) *Node {
	n, ok := p.nodes[id]
	if !ok {
		n = &Node{ID: id, Type: t, Props: make(map[string]any)}
		p.nodes[id] = n
	}
	for k, v := range props {
		n.Props[k] = v
	}
	return n
}

// addEdge inserts an edge, deduplicated by from:type:to. Caller holds the
// write lock.
func (p *Projection) addEdge(from string, t EdgeType, to string) {
	e := Edge{From: from, Type: t, To: to}
	p.edges[e.key()] = e
}

// GetNode returns a copy of the node with the given id, or nil.
func (p *Projection) GetNode(id string) *Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[id]
	if !ok {
		return nil
	}
	return n.clone()
}

// QueryNodes returns nodes of the given type (empty means any) whose props
// match every entry of filters. Results are sorted by node ID for stable
// output.
func (p *Projection) QueryNodes(t NodeType, filters map[string]any) []*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Node
	for _, n := range p.nodes {
		if t != "" && n.Type != t {
			continue
		}
		if !matchProps(n.Props, filters) {
			continue
		}
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueryEdges returns edges matching the given from/to/type, any of which may
// be empty. Results are sorted by key for stable output.
func (p *Projection) QueryEdges(from, to string, t EdgeType) []Edge {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Edge
	for _, e := range p.edges {
		if from != "" && e.From != from {
			continue
		}
		if to != "" && e.To != to {
			continue
		}
		if t != "" && e.Type != t {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Counts returns the number of nodes per type and edges per type.
func (p *Projection) Counts() (nodes map[NodeType]int, edges map[EdgeType]int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	nodes = make(map[NodeType]int)
	edges = make(map[EdgeType]int)
	for _, n := range p.nodes {
		nodes[n.Type]++
	}
	for _, e := range p.edges {
		edges[e.Type]++
	}
	return nodes, edges
}

func (n *Node) clone() *Node {
	props := make(map[string]any, len(n.Props))
	for k, v := range n.Props {
		props[k] = v
	}
	return &Node{ID: n.ID, Type: n.Type, Props: props}
}

func matchProps(props, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := props[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
