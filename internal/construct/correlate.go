package construct

import (
	"fmt"
	"time"

	"eventkg/internal/graph"
	"eventkg/pkg/models"
)

// Correlate merges a CORR edge from every event to every entity it references.
// Events and entities must already be in the store.
func Correlate(s *graph.Store, events []*models.Event, sc Schema) (*Report, error) {
	if err := requireStages(s, StageCorrelation, StageEvents, StageEntities); err != nil {
		return nil, err
	}

	start := time.Now()
	r := newReport(StageCorrelation)
	for _, e := range events {
		if e == nil {
			continue
		}
		evNode, ok := s.NodeByKey(EventKey(e.ID))
		if !ok {
			return nil, fmt.Errorf("event %s has no node: %w", e.ID, ErrConstructionOrder)
		}
		for _, entityType := range sc.EntityTypes {
			for _, id := range sc.ids(e, entityType) {
				entNode, ok := s.NodeByKey(EntityKey(entityType, id))
				if !ok {
					return nil, fmt.Errorf("event %s references %s %s with no entity: %w", e.ID, entityType, id, ErrConstructionOrder)
				}
				_, created, err := s.MergeEdge(corrKey(evNode.ID, entNode.ID), EdgeCorr, evNode.ID, entNode.ID, nil)
				if err != nil {
					return nil, fmt.Errorf("correlate event %s: %w", e.ID, err)
				}
				r.countEdge(created)
			}
		}
	}
	s.DeclareEdgeType(EdgeCorr)
	s.MarkStage(StageCorrelation)
	r.Duration = time.Since(start)
	return r, nil
}
