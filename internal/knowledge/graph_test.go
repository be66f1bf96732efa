package knowledge

import (
	"errors"
	"testing"

	"github.com/BTreeMap/SalesPipe/internal/models"
	"github.com/google/go-cmp/cmp"
)

func chain(t *testing.T, g *Graph, ids ...string) {
	t.Helper()
	for i := 0; i+1 < len(ids); i++ {
		if err := g.AddRelationship(models.Relationship{Source: ids[i], Target: ids[i+1], Type: "next"}); err != nil {
			t.Fatalf("AddRelationship: %v", err)
		}
	}
}

func TestAddRelationshipCreatesUnknownEndpoints(t *testing.T) {
	g := NewGraph()
	if err := g.AddRelationship(models.Relationship{Source: "ana", Target: "acme", Type: "works_at"}); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}
	view, ok := g.QueryEntity("acme")
	if !ok || view.Type != UnknownType {
		t.Fatalf("expected implicit unknown entity, got %+v ok=%v", view, ok)
	}

	g.AddEntity(models.Entity{ID: "acme", Type: "company", Properties: map[string]interface{}{"size": 50}})
	view, _ = g.QueryEntity("acme")
	if view.Type != "company" || view.Properties["size"] != 50 {
		t.Errorf("expected merge into existing entity, got %+v", view)
	}

	ana, _ := g.QueryEntity("ana")
	if ana.NeighborCount != 1 || ana.Relationships[0].Target != "acme" || ana.Relationships[0].Type != "works_at" {
		t.Errorf("unexpected relationships %+v", ana.Relationships)
	}
}

func TestAddEntityRequiresID(t *testing.T) {
	g := NewGraph()
	if err := g.AddEntity(models.Entity{Type: "x"}); !errors.Is(err, models.ErrEmptyEntityID) {
		t.Errorf("expected ErrEmptyEntityID, got %v", err)
	}
	if _, ok := g.QueryEntity("missing"); ok {
		t.Error("expected missing entity")
	}
}

func TestFindPath(t *testing.T) {
	g := NewGraph()
	chain(t, g, "a", "b", "c", "d")
	g.AddRelationship(models.Relationship{Source: "a", Target: "d", Type: "shortcut"})

	if diff := cmp.Diff([]string{"a", "d"}, g.FindPath("a", "d", 0)); diff != "" {
		t.Errorf("shortest path mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "c", "d"}, g.FindPath("b", "d", 0)); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
	if p := g.FindPath("d", "a", 0); p != nil {
		t.Errorf("edges are directed, got %v", p)
	}
	if p := g.FindPath("b", "d", 1); p != nil {
		t.Errorf("expected depth limit to reject path, got %v", p)
	}
	if p := g.FindPath("a", "zzz", 0); p != nil {
		t.Errorf("expected nil for unknown target, got %v", p)
	}
}

func TestSubgraph(t *testing.T) {
	g := NewGraph()
	chain(t, g, "a", "b", "c", "d")

	sub := g.Subgraph("a", 2)
	var ids []string
	for _, n := range sub.Nodes {
		ids = append(ids, n.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("subgraph nodes mismatch (-want +got):\n%s", diff)
	}
	if len(sub.Edges) != 2 || sub.Center != "a" {
		t.Errorf("unexpected subgraph %+v", sub)
	}
	if empty := g.Subgraph("zzz", 2); len(empty.Nodes) != 0 {
		t.Errorf("expected empty subgraph, got %+v", empty)
	}
}

func TestStatistics(t *testing.T) {
	g := NewGraph()
	if s := g.Statistics(); s.NodeCount != 0 || s.Density != 0 {
		t.Errorf("unexpected empty stats %+v", s)
	}
	chain(t, g, "a", "b", "c")
	s := g.Statistics()
	if s.NodeCount != 3 || s.EdgeCount != 2 {
		t.Errorf("unexpected counts %+v", s)
	}
	if want := 2.0 / 6.0; s.Density != want {
		t.Errorf("density = %v, want %v", s.Density, want)
	}
	g.Clear()
	if s := g.Statistics(); s.NodeCount != 0 {
		t.Errorf("expected cleared graph, got %+v", s)
	}
}
