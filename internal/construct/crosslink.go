package construct

import (
	"fmt"
	"time"

	"eventkg/internal/graph"
	"eventkg/internal/logger"
	"eventkg/pkg/models"
)

// Link maps an entity type onto the domain label and property that carry
// the same identifiers.
type Link struct {
	EntityType string
	Label      string
	Property   string
}

// UnmatchedReason is the skip reason for entities of entityType that found
// no domain counterpart under any link of that type.
func UnmatchedReason(entityType string) string {
	return "unmatched:" + entityType
}

// CrossLink merges a REL edge from every entity to each domain node whose
// linked property equals the entity id. An entity type may appear in several
// links; an entity is counted as unmatched only when none of them matched.
func CrossLink(s *graph.Store, links []Link) (*Report, error) {
	if err := requireStages(s, StageCrossLink, StageEntities, StageDomain); err != nil {
		return nil, err
	}

	start := time.Now()
	r := newReport(StageCrossLink)
	matched := make(map[graph.NodeID]bool)
	var types []string
	for _, link := range links {
		if link.EntityType == "" || link.Label == "" || link.Property == "" {
			return nil, fmt.Errorf("cross link %+v: entity type, label and property are required", link)
		}
		if len(s.NodesByLabel(link.Label)) == 0 {
			logger.Warnf("Cross link %s -> %s.%s: no domain nodes carry label %s", link.EntityType, link.Label, link.Property, link.Label)
		}
		s.DeclareLabel(link.Label, link.Property)
		types = appendUnique(types, link.EntityType)

		props := map[string]any{
			"label":    link.Label,
			"property": link.Property,
		}
		for _, ent := range s.NodesByProperty(LabelEntity, "type", link.EntityType) {
			id := models.FormatValue(ent.Props["id"])
			for _, d := range s.NodesByProperty(link.Label, link.Property, id) {
				if !d.HasLabel(LabelDomain) {
					continue
				}
				_, created, err := s.MergeEdge(relKey(ent.ID, d.ID), EdgeRel, ent.ID, d.ID, props)
				if err != nil {
					return nil, fmt.Errorf("cross link %s %s: %w", link.EntityType, id, err)
				}
				r.countEdge(created)
				matched[ent.ID] = true
			}
		}
	}

	for _, entityType := range types {
		for _, ent := range s.NodesByProperty(LabelEntity, "type", entityType) {
			if !matched[ent.ID] {
				r.skip(UnmatchedReason(entityType))
			}
		}
	}

	for _, reason := range r.SkipReasons() {
		logger.Infof("Cross link %s: %d entities", reason, r.Skips[reason])
	}
	s.DeclareEdgeType(EdgeRel, relProps...)
	s.MarkStage(StageCrossLink)
	r.Duration = time.Since(start)
	return r, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
