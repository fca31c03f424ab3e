package construct

import (
	"strings"
	"time"

	"eventkg/internal/graph"
	"eventkg/pkg/models"
)

// Schema names the entity types recognised on events.
type Schema struct {
	EntityTypes  []string
	AbsentMarker string
}

// ids returns the usable identifiers of one entity type on an event.
func (sc Schema) ids(e *models.Event, entityType string) []string {
	raw := e.EntityIDs(entityType)
	if len(raw) == 0 {
		return nil
	}
	marker := sc.AbsentMarker
	if marker == "" {
		marker = "null"
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, marker) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ImportEvents merges one Event node per event.
func ImportEvents(s *graph.Store, events []*models.Event) *Report {
	start := time.Now()
	r := newReport(StageEvents)
	for _, e := range events {
		if e == nil {
			continue
		}
		_, created := s.MergeNode(EventKey(e.ID), []string{LabelEvent}, e.Properties())
		r.countNode(created)
	}
	s.DeclareLabel(LabelEvent, eventProps...)
	s.MarkStage(StageEvents)
	r.Duration = time.Since(start)
	return r
}

// ExtractEntities merges one Entity node per distinct (entity type, id)
// referenced by any event. Absent markers never produce an entity.
func ExtractEntities(s *graph.Store, events []*models.Event, sc Schema) *Report {
	start := time.Now()
	r := newReport(StageEntities)
	for _, e := range events {
		if e == nil {
			continue
		}
		for _, entityType := range sc.EntityTypes {
			for _, id := range sc.ids(e, entityType) {
				_, created := s.MergeNode(EntityKey(entityType, id), []string{LabelEntity}, map[string]any{
					"type": entityType,
					"id":   id,
				})
				r.countNode(created)
			}
		}
	}
	s.DeclareLabel(LabelEntity, entityProps...)
	s.MarkStage(StageEntities)
	r.Duration = time.Since(start)
	return r
}
