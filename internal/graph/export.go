package graph

import "eventkg/pkg/models"

// Records converts the store into export rows, nodes first, each in creation order.
func (s *Store) Records() []*models.GraphRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buildID := s.id.String()
	out := make([]*models.GraphRecord, 0, len(s.nodes)+len(s.edges))
	for _, n := range s.nodes {
		out = append(out, &models.GraphRecord{
			BuildID:    buildID,
			RecordType: models.RecordNode,
			ID:         int64(n.ID),
			Labels:     append([]string(nil), n.Labels...),
			Properties: copyProps(n.Props),
		})
	}
	for _, e := range s.edges {
		out = append(out, &models.GraphRecord{
			BuildID:    buildID,
			RecordType: models.RecordEdge,
			ID:         int64(e.ID),
			Type:       e.Type,
			From:       int64(e.From),
			To:         int64(e.To),
			Properties: copyProps(e.Props),
		})
	}
	return out
}
