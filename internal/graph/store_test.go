package graph

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventkg/pkg/models"
)

func TestMergeNodeIsGetOrCreate(t *testing.T) {
	s := NewStore()

	n1, created := s.MergeNode("entity:Order:O1", []string{"Entity"}, map[string]any{"type": "Order", "id": "O1"})
	require.True(t, created)

	n2, created := s.MergeNode("entity:Order:O1", []string{"Entity"}, map[string]any{"type": "Order", "id": "other"})
	require.False(t, created)
	assert.Equal(t, n1.ID, n2.ID)
	assert.Equal(t, "O1", n2.Props["id"], "existing node must not be updated")
	assert.Equal(t, uint64(1), s.Version())
}

func TestMergeNodeConcurrentSingleSurvivor(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created := s.MergeNode("entity:Item:I1", []string{"Entity"}, map[string]any{"id": "I1"})
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	assert.Len(t, s.NodesByLabel("Entity"), 1)
}

func TestMergeEdgeRequiresEndpoints(t *testing.T) {
	s := NewStore()
	a, _ := s.MergeNode("a", []string{"Event"}, nil)

	_, _, err := s.MergeEdge("a->x", "CORR", a.ID, 42, nil)
	require.ErrorIs(t, err, ErrNodeNotFound)

	b, _ := s.MergeNode("b", []string{"Entity"}, nil)
	e, created, err := s.MergeEdge("a->b", "CORR", a.ID, b.ID, nil)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.MergeEdge("a->b", "CORR", a.ID, b.ID, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e.ID, again.ID)

	assert.Len(t, s.Outgoing(a.ID, "CORR"), 1)
	assert.Len(t, s.Incoming(b.ID, ""), 1)
	assert.Empty(t, s.Outgoing(a.ID, "DF"))
}

func TestNodesByPropertyUsesCanonicalValues(t *testing.T) {
	s := NewStore()
	s.MergeNode("p1", []string{"Domain", "Package"}, map[string]any{"code": int64(7)})
	s.MergeNode("p2", []string{"Domain", "Package"}, map[string]any{"code": "7"})
	s.MergeNode("p3", []string{"Domain", "Package"}, map[string]any{"code": "8"})

	got := s.NodesByProperty("Package", "code", "7")
	assert.Len(t, got, 2)
	assert.Empty(t, s.NodesByProperty("Truck", "code", "7"))
}

func TestSchemaRegistry(t *testing.T) {
	s := NewStore()
	a, _ := s.MergeNode("a", []string{"Event"}, map[string]any{"activity": "pay order"})
	b, _ := s.MergeNode("b", []string{"Entity"}, map[string]any{"type": "Order"})
	_, _, err := s.MergeEdge("df", "DF", a.ID, b.ID, map[string]any{"entity_type": "Order"})
	require.NoError(t, err)

	assert.True(t, s.HasLabel("Event"))
	assert.False(t, s.HasLabel("Truck"))
	assert.True(t, s.HasEdgeType("DF"))
	assert.True(t, s.HasNodeProperty("activity", "Event"))
	assert.False(t, s.HasNodeProperty("activity", "Entity"))
	assert.True(t, s.HasNodeProperty("type"))
	assert.True(t, s.HasEdgeProperty("entity_type", "DF"))
	assert.False(t, s.HasEdgeProperty("entity_type", "CORR"))
}

func TestDeclaredSchemaWithoutInstances(t *testing.T) {
	s := NewStore()
	s.DeclareLabel("Domain", "key")
	s.DeclareEdgeType("REL", "label", "property")
	s.DeclareEdgeType("")

	assert.True(t, s.HasLabel("Domain"))
	assert.True(t, s.HasNodeProperty("key", "Domain"))
	assert.True(t, s.HasEdgeType("REL"))
	assert.True(t, s.HasEdgeProperty("property", "REL"))
	assert.False(t, s.HasEdgeType(""))

	st := s.Stats()
	assert.Zero(t, st.Nodes)
	assert.Empty(t, st.Labels)
	assert.Empty(t, st.EdgeTypes)

	a, _ := s.MergeNode("a", []string{"Domain"}, map[string]any{"code": "NL"})
	assert.Equal(t, []*Node{a}, s.NodesByLabel("Domain"))
	assert.True(t, s.HasNodeProperty("key", "Domain"))
	assert.True(t, s.HasNodeProperty("code", "Domain"))
}

func TestStagesAndStats(t *testing.T) {
	s := NewStore()
	assert.False(t, s.StageDone("entities"))
	s.MarkStage("entities")
	s.MarkStage("correlation")
	assert.True(t, s.StageDone("entities"))
	assert.Equal(t, []string{"correlation", "entities"}, s.Stages())

	for i := 0; i < 3; i++ {
		s.MergeNode(fmt.Sprintf("n%d", i), []string{"Event"}, nil)
	}
	st := s.Stats()
	assert.Equal(t, 3, st.Nodes)
	assert.Equal(t, 3, st.Labels["Event"])
}

func TestRecordsExportNodesThenEdges(t *testing.T) {
	s := NewStore()
	a, _ := s.MergeNode("a", []string{"Event"}, map[string]any{"id": "e1"})
	b, _ := s.MergeNode("b", []string{"Entity"}, map[string]any{"id": "O1"})
	_, _, err := s.MergeEdge("a->b", "CORR", a.ID, b.ID, nil)
	require.NoError(t, err)

	recs := s.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, models.RecordNode, recs[0].RecordType)
	assert.Equal(t, models.RecordEdge, recs[2].RecordType)
	assert.Equal(t, int64(a.ID), recs[2].From)
	assert.Equal(t, s.ID().String(), recs[2].BuildID)
}

func TestValueComparison(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		a, b any
		cmp  int
		ok   bool
	}{
		{"ints", int64(1), int64(2), -1, true},
		{"int vs float", int64(2), 2.0, 0, true},
		{"times", t0.Add(time.Minute), t0, 1, true},
		{"strings", "b", "a", 1, true},
		{"mixed", "1", int64(1), 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Compare(tc.a, tc.b)
			assert.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.cmp, got)
			}
		})
	}

	assert.True(t, Equal("1", int64(1)))
	assert.True(t, Equal(t0, t0.In(time.FixedZone("x", 3600))))
	assert.True(t, Contains([]string{"a", "b"}, "b"))
	assert.False(t, Contains("b", "b"))
}
