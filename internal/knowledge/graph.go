// Package knowledge implements the in-process knowledge graph: a directed
// graph of typed entities with properties, fed manually or by extracting
// entities and relationships from customer text with the language model.
package knowledge

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

const (
	// UnknownType is given to entities created implicitly by a relationship.
	UnknownType = "unknown"
	// DefaultMaxPathDepth bounds FindPath.
	DefaultMaxPathDepth = 5
	// DefaultSubgraphDepth is the neighbourhood radius of Subgraph.
	DefaultSubgraphDepth = 2
)

// EntityRelation is an outgoing edge as seen from its source.
type EntityRelation struct {
	Target     string                 `json:"target"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
}

// EntityView is the result of QueryEntity.
type EntityView struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Properties    map[string]interface{} `json:"properties"`
	Relationships []EntityRelation       `json:"relationships"`
	NeighborCount int                    `json:"neighbor_count"`
}

// Subgraph is the neighbourhood of an entity.
type Subgraph struct {
	Nodes  []models.Entity       `json:"nodes"`
	Edges  []models.Relationship `json:"edges"`
	Center string                `json:"center"`
}

// Stats summarises the graph.
type Stats struct {
	NodeCount int     `json:"node_count"`
	EdgeCount int     `json:"edge_count"`
	Density   float64 `json:"density"`
}

// Graph is a directed graph with at most one edge per ordered pair of entities.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*models.Entity
	edges map[string]map[string]*models.Relationship
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*models.Entity),
		edges: make(map[string]map[string]*models.Relationship),
	}
}

// AddEntity inserts an entity or merges its type and properties into an
// existing one.
func (g *Graph) AddEntity(e models.Entity) error {
	if strings.TrimSpace(e.ID) == "" {
		return models.ErrEmptyEntityID
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEntityLocked(e)
	slog.Debug("Graph.AddEntity: entity added", "entity_id", e.ID, "type", e.Type)
	return nil
}

func (g *Graph) addEntityLocked(e models.Entity) {
	node, ok := g.nodes[e.ID]
	if !ok {
		node = &models.Entity{ID: e.ID, Properties: map[string]interface{}{}}
		g.nodes[e.ID] = node
	}
	if e.Type != "" {
		node.Type = e.Type
	} else if node.Type == "" {
		node.Type = UnknownType
	}
	for k, v := range e.Properties {
		node.Properties[k] = v
	}
}

// AddRelationship adds or replaces the edge source->target. Missing endpoints
// are created with type "unknown".
func (g *Graph) AddRelationship(r models.Relationship) error {
	if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" {
		return models.ErrEmptyEntityID
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range []string{r.Source, r.Target} {
		if _, ok := g.nodes[id]; !ok {
			g.addEntityLocked(models.Entity{ID: id, Type: UnknownType})
		}
	}
	if r.Type == "" {
		r.Type = UnknownType
	}
	out, ok := g.edges[r.Source]
	if !ok {
		out = make(map[string]*models.Relationship)
		g.edges[r.Source] = out
	}
	rel := r
	rel.Properties = copyProps(r.Properties)
	out[r.Target] = &rel
	slog.Debug("Graph.AddRelationship: relationship added", "source", r.Source, "target", r.Target, "type", r.Type)
	return nil
}

// QueryEntity returns an entity with its outgoing relationships.
func (g *Graph) QueryEntity(id string) (EntityView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return EntityView{}, false
	}
	view := EntityView{
		ID:            node.ID,
		Type:          node.Type,
		Properties:    copyProps(node.Properties),
		Relationships: []EntityRelation{},
	}
	for _, target := range g.neighborsLocked(id) {
		rel := g.edges[id][target]
		view.Relationships = append(view.Relationships, EntityRelation{
			Target:     target,
			Type:       rel.Type,
			Properties: copyProps(rel.Properties),
		})
	}
	view.NeighborCount = len(view.Relationships)
	return view, true
}

// FindPath returns a shortest directed path from source to target, or nil if
// either entity is unknown, no path exists, or the path has more than
// maxDepth edges. A non-positive maxDepth uses DefaultMaxPathDepth.
func (g *Graph) FindPath(source, target string, maxDepth int) []string {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxPathDepth
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[source]; !ok {
		return nil
	}
	if _, ok := g.nodes[target]; !ok {
		return nil
	}
	if source == target {
		return []string{source}
	}

	prev := map[string]string{source: ""}
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.neighborsLocked(cur) {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == target {
				path := []string{target}
				for at := cur; at != ""; at = prev[at] {
					path = append(path, at)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				if len(path) > maxDepth+1 {
					return nil
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// Subgraph returns every entity reachable from id within depth hops along
// outgoing edges, plus all edges among them.
func (g *Graph) Subgraph(id string, depth int) Subgraph {
	if depth <= 0 {
		depth = DefaultSubgraphDepth
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	sub := Subgraph{Nodes: []models.Entity{}, Edges: []models.Relationship{}, Center: id}
	if _, ok := g.nodes[id]; !ok {
		return sub
	}

	members := map[string]bool{id: true}
	level := []string{id}
	for i := 0; i < depth && len(level) > 0; i++ {
		var next []string
		for _, n := range level {
			for _, nb := range g.neighborsLocked(n) {
				if !members[nb] {
					members[nb] = true
					next = append(next, nb)
				}
			}
		}
		level = next
	}

	ids := make([]string, 0, len(members))
	for m := range members {
		ids = append(ids, m)
	}
	sort.Strings(ids)
	for _, m := range ids {
		node := g.nodes[m]
		sub.Nodes = append(sub.Nodes, models.Entity{ID: node.ID, Type: node.Type, Properties: copyProps(node.Properties)})
		for _, target := range g.neighborsLocked(m) {
			if !members[target] {
				continue
			}
			rel := g.edges[m][target]
			sub.Edges = append(sub.Edges, models.Relationship{
				Source:     m,
				Target:     target,
				Type:       rel.Type,
				Properties: copyProps(rel.Properties),
			})
		}
	}
	return sub
}

// Statistics summarises the graph. Density is edges / (n*(n-1)).
func (g *Graph) Statistics() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := Stats{NodeCount: len(g.nodes)}
	for _, out := range g.edges {
		stats.EdgeCount += len(out)
	}
	if n := stats.NodeCount; n > 1 {
		stats.Density = float64(stats.EdgeCount) / float64(n*(n-1))
	}
	return stats
}

// Clear removes every entity and relationship.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*models.Entity)
	g.edges = make(map[string]map[string]*models.Relationship)
}

func (g *Graph) neighborsLocked(id string) []string {
	out := g.edges[id]
	ids := make([]string, 0, len(out))
	for t := range out {
		ids = append(ids, t)
	}
	sort.Strings(ids)
	return ids
}

func copyProps(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
