package construct

import (
	"fmt"

	"eventkg/internal/graph"
	"eventkg/pkg/models"
)

// Chain walks the DF edges of one entity from its earliest event and
// returns the events in order. An entity with a single event yields that
// event; an unknown entity is an error.
func Chain(s *graph.Store, entityType, id string) ([]*graph.Node, error) {
	ent, ok := s.NodeByKey(EntityKey(entityType, id))
	if !ok {
		return nil, fmt.Errorf("chain %s %s: %w", entityType, id, graph.ErrNodeNotFound)
	}
	if !s.StageDone(StageSequencing) {
		return nil, fmt.Errorf("chain %s %s: %w", entityType, id, ErrConstructionOrder)
	}

	events := CorrelatedEvents(s, ent.ID)
	if len(events) == 0 {
		return nil, nil
	}

	next := make(map[graph.NodeID]graph.NodeID, len(events))
	hasPrev := make(map[graph.NodeID]bool, len(events))
	for _, ev := range events {
		for _, e := range s.Outgoing(ev.ID, EdgeDF) {
			if !dfBelongsTo(e, entityType, id) {
				continue
			}
			next[e.From] = e.To
			hasPrev[e.To] = true
		}
	}

	var head *graph.Node
	for _, ev := range events {
		if !hasPrev[ev.ID] {
			head = ev
			break
		}
	}
	if head == nil {
		return nil, fmt.Errorf("chain %s %s: no first event", entityType, id)
	}

	out := make([]*graph.Node, 0, len(events))
	seen := make(map[graph.NodeID]bool, len(events))
	for cur := head; cur != nil; {
		if seen[cur.ID] {
			return nil, fmt.Errorf("chain %s %s: cycle at node %d", entityType, id, cur.ID)
		}
		seen[cur.ID] = true
		out = append(out, cur)
		nid, ok := next[cur.ID]
		if !ok {
			break
		}
		cur, _ = s.Node(nid)
	}
	return out, nil
}

func dfBelongsTo(e *graph.Edge, entityType, id string) bool {
	return models.FormatValue(e.Props["entity_type"]) == entityType &&
		models.FormatValue(e.Props["entity_id"]) == id
}
