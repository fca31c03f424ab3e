package construct

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventkg/internal/graph"
	"eventkg/internal/load"
	"eventkg/pkg/models"
)

var orderSchema = Schema{EntityTypes: []string{"Order", "Customer", "Package"}, AbsentMarker: "null"}

func ts(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2024-03-01 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func ev(id string, row int, activity, at string, entities map[string][]string) *models.Event {
	return &models.Event{ID: id, Row: row, Activity: activity, Timestamp: ts(at), Entities: entities}
}

func orderEvents() []*models.Event {
	return []*models.Event{
		ev("e1", 1, "place order", "10:00", map[string][]string{"Order": {"O1"}, "Customer": {"C1"}}),
		ev("e2", 2, "place order", "10:05", map[string][]string{"Order": {"O2"}, "Customer": {"C1"}}),
		ev("e3", 3, "create package", "11:00", map[string][]string{"Order": {"O1", "O2"}, "Package": {"P1"}}),
		ev("e4", 4, "pay order", "12:00", map[string][]string{"Order": {"O1"}}),
		ev("e5", 5, "pay order", "10:30", map[string][]string{"Order": {"O2"}, "Customer": {"null"}}),
	}
}

func orderFacts() *load.Facts {
	return &load.Facts{
		Nodes: []load.NodeFact{
			{Key: "c1", Labels: []string{"Customer"}, Properties: map[string]any{"customer_id": "C1", "country": "NL"}},
			{Key: "o1", Labels: []string{"Order"}, Properties: map[string]any{"order_id": "O1", "price": int64(120)}},
			{Key: "o2", Labels: []string{"Order"}, Properties: map[string]any{"order_id": "O2", "price": int64(80)}},
		},
		Relationships: []load.RelationshipFact{
			{From: "c1", To: "o1", Type: "PLACED"},
			{From: "c1", To: "o2", Type: "PLACED"},
		},
	}
}

var orderLinks = []Link{
	{EntityType: "Customer", Label: "Customer", Property: "customer_id"},
	{EntityType: "Order", Label: "Order", Property: "order_id"},
}

func buildAll(t *testing.T, s *graph.Store, events []*models.Event) {
	t.Helper()
	ImportEvents(s, events)
	ExtractEntities(s, events, orderSchema)
	_, err := Correlate(s, events, orderSchema)
	require.NoError(t, err)
	_, err = Sequence(context.Background(), s, 4)
	require.NoError(t, err)
	_, err = LoadDomain(s, orderFacts())
	require.NoError(t, err)
	_, err = CrossLink(s, orderLinks)
	require.NoError(t, err)
}

func chainIDs(t *testing.T, s *graph.Store, entityType, id string) []string {
	t.Helper()
	nodes, err := Chain(s, entityType, id)
	require.NoError(t, err)
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, models.FormatValue(n.Props["id"]))
	}
	return out
}

func TestBuildOrderScenario(t *testing.T) {
	s := graph.NewStore()
	buildAll(t, s, orderEvents())

	st := s.Stats()
	assert.Equal(t, 5, st.Labels[LabelEvent])
	assert.Equal(t, 4, st.Labels[LabelEntity], "O1, O2, C1, P1; the absent marker is not an entity")
	assert.Equal(t, 3, st.Labels[LabelDomain])
	assert.Equal(t, 9, st.EdgeTypes[EdgeCorr])
	assert.Equal(t, 2, st.EdgeTypes["PLACED"])
	assert.Equal(t, 3, st.EdgeTypes[EdgeRel])

	assert.Equal(t, []string{"e1", "e3", "e4"}, chainIDs(t, s, "Order", "O1"))
	assert.Equal(t, []string{"e2", "e5", "e3"}, chainIDs(t, s, "Order", "O2"))
	assert.Equal(t, []string{"e1", "e2"}, chainIDs(t, s, "Customer", "C1"))
	assert.Equal(t, []string{"e3"}, chainIDs(t, s, "Package", "P1"))
}

func TestSequenceIgnoresInputOrder(t *testing.T) {
	events := orderEvents()
	reversed := make([]*models.Event, len(events))
	for i, e := range events {
		reversed[len(events)-1-i] = e
	}

	s := graph.NewStore()
	buildAll(t, s, reversed)
	assert.Equal(t, []string{"e1", "e3", "e4"}, chainIDs(t, s, "Order", "O1"))
	assert.Equal(t, []string{"e2", "e5", "e3"}, chainIDs(t, s, "Order", "O2"))
}

func TestSequenceTieBreak(t *testing.T) {
	events := []*models.Event{
		ev("b", 7, "x", "09:00", map[string][]string{"Order": {"O9"}}),
		ev("a", 8, "x", "09:00", map[string][]string{"Order": {"O9"}}),
		ev("d", 0, "x", "08:00", map[string][]string{"Order": {"O9"}}),
		ev("c", 0, "x", "08:00", map[string][]string{"Order": {"O9"}}),
	}
	s := graph.NewStore()
	ImportEvents(s, events)
	ExtractEntities(s, events, orderSchema)
	_, err := Correlate(s, events, orderSchema)
	require.NoError(t, err)
	_, err = Sequence(context.Background(), s, 2)
	require.NoError(t, err)

	// Equal timestamps order by row, then by event id.
	assert.Equal(t, []string{"c", "d", "b", "a"}, chainIDs(t, s, "Order", "O9"))
}

func TestDFEdgesFormOnePathPerEntity(t *testing.T) {
	var events []*models.Event
	for i := 0; i < 200; i++ {
		entities := map[string][]string{
			"Order":    {fmt.Sprintf("O%d", i%17)},
			"Customer": {fmt.Sprintf("C%d", i%5)},
		}
		at := fmt.Sprintf("%02d:%02d", 10+i%3, i%60)
		events = append(events, ev(fmt.Sprintf("e%03d", i), i+1, "step", at, entities))
	}

	s := graph.NewStore()
	ImportEvents(s, events)
	ExtractEntities(s, events, orderSchema)
	_, err := Correlate(s, events, orderSchema)
	require.NoError(t, err)
	rep, err := Sequence(context.Background(), s, 16)
	require.NoError(t, err)

	expected := 0
	for _, ent := range s.NodesByLabel(LabelEntity) {
		n := len(CorrelatedEvents(s, ent.ID))
		expected += n - 1

		chain, err := Chain(s, models.FormatValue(ent.Props["type"]), models.FormatValue(ent.Props["id"]))
		require.NoError(t, err)
		require.Len(t, chain, n)
		for i := 1; i < len(chain); i++ {
			prev := buildOrderKey(chain[i-1])
			cur := buildOrderKey(chain[i])
			assert.False(t, orderKeyLT(cur, prev), "chain out of order at %d", i)
		}
	}
	assert.Equal(t, expected, rep.EdgesCreated)
	assert.Equal(t, expected, s.Stats().EdgeTypes[EdgeDF])
}

func TestStagesAreIdempotent(t *testing.T) {
	s := graph.NewStore()
	buildAll(t, s, orderEvents())
	before := s.Stats()

	events := orderEvents()
	r := ImportEvents(s, events)
	assert.Zero(t, r.NodesCreated)
	r = ExtractEntities(s, events, orderSchema)
	assert.Zero(t, r.NodesCreated)
	r, err := Correlate(s, events, orderSchema)
	require.NoError(t, err)
	assert.Zero(t, r.EdgesCreated)
	r, err = Sequence(context.Background(), s, 3)
	require.NoError(t, err)
	assert.Zero(t, r.EdgesCreated)
	r, err = LoadDomain(s, orderFacts())
	require.NoError(t, err)
	assert.Zero(t, r.NodesCreated+r.EdgesCreated)
	r, err = CrossLink(s, orderLinks)
	require.NoError(t, err)
	assert.Zero(t, r.EdgesCreated)

	assert.Equal(t, before, s.Stats())
}

func TestStagesRequirePrerequisites(t *testing.T) {
	s := graph.NewStore()
	events := orderEvents()

	_, err := Correlate(s, events, orderSchema)
	assert.ErrorIs(t, err, ErrConstructionOrder)

	ImportEvents(s, events)
	_, err = Correlate(s, events, orderSchema)
	assert.ErrorIs(t, err, ErrConstructionOrder)

	_, err = Sequence(context.Background(), s, 1)
	assert.ErrorIs(t, err, ErrConstructionOrder)

	ExtractEntities(s, events, orderSchema)
	_, err = CrossLink(s, orderLinks)
	assert.ErrorIs(t, err, ErrConstructionOrder)
}

func TestCorrelateRejectsUnknownEntity(t *testing.T) {
	s := graph.NewStore()
	events := orderEvents()
	ImportEvents(s, events)
	ExtractEntities(s, events[:1], orderSchema)

	_, err := Correlate(s, events, orderSchema)
	assert.ErrorIs(t, err, ErrConstructionOrder)
}

func TestCorrelationIsComplete(t *testing.T) {
	s := graph.NewStore()
	events := orderEvents()
	buildAll(t, s, events)

	for _, e := range events {
		evNode, ok := s.NodeByKey(EventKey(e.ID))
		require.True(t, ok)
		targets := map[graph.NodeID]bool{}
		for _, edge := range s.Outgoing(evNode.ID, EdgeCorr) {
			targets[edge.To] = true
		}
		for _, typ := range orderSchema.EntityTypes {
			for _, id := range orderSchema.ids(e, typ) {
				ent, ok := s.NodeByKey(EntityKey(typ, id))
				require.True(t, ok)
				assert.True(t, targets[ent.ID], "%s missing CORR to %s %s", e.ID, typ, id)
			}
		}
	}
}

func TestLoadDomainSkips(t *testing.T) {
	s := graph.NewStore()
	facts := &load.Facts{
		Nodes: []load.NodeFact{
			{Key: "a", Labels: []string{"Product"}, Properties: map[string]any{"sku": "A"}},
			{Key: "a", Labels: []string{"Product"}, Properties: map[string]any{"sku": "dup"}},
			{Key: "", Labels: []string{"Product"}},
			{Key: "b", Labels: nil},
			{Key: "c", Labels: []string{"Event"}},
		},
		Relationships: []load.RelationshipFact{
			{From: "a", To: "missing", Type: "PART_OF"},
			{From: "a", To: "a", Type: ""},
			{From: "a", To: "a", Type: "SELF"},
		},
	}

	r, err := LoadDomain(s, facts)
	require.NoError(t, err)
	assert.Equal(t, 1, r.NodesCreated)
	assert.Equal(t, 1, r.EdgesCreated)
	assert.Equal(t, 1, r.Skips[SkipDuplicateKey])
	assert.Equal(t, 3, r.Skips[SkipInvalidNode])
	assert.Equal(t, 1, r.Skips[SkipDanglingEndpoint])
	assert.Equal(t, 1, r.Skips[SkipInvalidRelationship])
	assert.Equal(t, 6, r.SkipCount())

	n, ok := s.NodeByKey(DomainKey("a"))
	require.True(t, ok)
	assert.Equal(t, "A", n.Props["sku"])
	assert.True(t, n.HasLabel(LabelDomain))
	assert.Equal(t, "a", n.Props["key"])
}

func TestCrossLinkMatchesCanonicalValues(t *testing.T) {
	events := []*models.Event{
		ev("e1", 1, "ship", "10:00", map[string][]string{"Order": {"42", "43"}}),
	}
	s := graph.NewStore()
	ImportEvents(s, events)
	ExtractEntities(s, events, orderSchema)
	_, err := LoadDomain(s, &load.Facts{Nodes: []load.NodeFact{
		{Key: "o42", Labels: []string{"Order"}, Properties: map[string]any{"order_id": int64(42)}},
	}})
	require.NoError(t, err)

	r, err := CrossLink(s, []Link{{EntityType: "Order", Label: "Order", Property: "order_id"}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.EdgesCreated)
	assert.Equal(t, 1, r.Skips[UnmatchedReason("Order")])

	ent, _ := s.NodeByKey(EntityKey("Order", "42"))
	rel := s.Outgoing(ent.ID, EdgeRel)
	require.Len(t, rel, 1)
	target, _ := s.Node(rel[0].To)
	assert.Equal(t, DomainKey("o42"), target.Key)
	assert.Equal(t, "order_id", rel[0].Props["property"])
}

func TestCrossLinkRequiresCompleteLink(t *testing.T) {
	s := graph.NewStore()
	s.MarkStage(StageEntities)
	s.MarkStage(StageDomain)
	_, err := CrossLink(s, []Link{{EntityType: "Order", Label: "Order"}})
	assert.Error(t, err)
}

func TestChainUnknownEntity(t *testing.T) {
	s := graph.NewStore()
	buildAll(t, s, orderEvents())
	_, err := Chain(s, "Order", "nope")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestSequenceCancelled(t *testing.T) {
	s := graph.NewStore()
	events := orderEvents()
	ImportEvents(s, events)
	ExtractEntities(s, events, orderSchema)
	_, err := Correlate(s, events, orderSchema)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Sequence(ctx, s, 2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.StageDone(StageSequencing))
}

func TestCrossLinkCountsUnmatchedAcrossLinks(t *testing.T) {
	events := []*models.Event{
		ev("e1", 1, "ship", "10:00", map[string][]string{"Order": {"42", "43", "44"}}),
	}
	s := graph.NewStore()
	ImportEvents(s, events)
	ExtractEntities(s, events, orderSchema)
	_, err := LoadDomain(s, &load.Facts{Nodes: []load.NodeFact{
		{Key: "o42", Labels: []string{"Order"}, Properties: map[string]any{"order_id": "42"}},
		{Key: "l43", Labels: []string{"LegacyOrder"}, Properties: map[string]any{"ref": "43"}},
	}})
	require.NoError(t, err)

	r, err := CrossLink(s, []Link{
		{EntityType: "Order", Label: "Order", Property: "order_id"},
		{EntityType: "Order", Label: "LegacyOrder", Property: "ref"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.EdgesCreated)
	assert.Equal(t, map[string]int{UnmatchedReason("Order"): 1}, r.Skips)
}

func TestStagesDeclareSchemaWithoutInstances(t *testing.T) {
	events := []*models.Event{
		ev("e1", 1, "place order", "10:00", map[string][]string{"Order": {"O1"}}),
		ev("e2", 2, "place order", "10:05", map[string][]string{"Order": {"O2"}}),
	}
	s := graph.NewStore()
	ImportEvents(s, events)
	ExtractEntities(s, events, orderSchema)
	_, err := Correlate(s, events, orderSchema)
	require.NoError(t, err)
	_, err = Sequence(context.Background(), s, 2)
	require.NoError(t, err)
	_, err = LoadDomain(s, &load.Facts{})
	require.NoError(t, err)
	_, err = CrossLink(s, []Link{{EntityType: "Customer", Label: "Customer", Property: "customer_id"}})
	require.NoError(t, err)

	st := s.Stats()
	assert.Zero(t, st.EdgeTypes[EdgeDF])
	assert.Zero(t, st.EdgeTypes[EdgeRel])
	assert.Zero(t, st.Labels[LabelDomain])

	assert.True(t, s.HasEdgeType(EdgeDF))
	assert.True(t, s.HasEdgeProperty("entity_id", EdgeDF))
	assert.True(t, s.HasEdgeType(EdgeRel))
	assert.True(t, s.HasEdgeProperty("property", EdgeRel))
	assert.True(t, s.HasLabel(LabelDomain))
	assert.True(t, s.HasNodeProperty("customer_id", "Customer"))
	assert.True(t, s.HasNodeProperty("tags", LabelEvent))
	assert.False(t, s.HasEdgeType("SHIPS"))
}
