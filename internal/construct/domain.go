package construct

import (
	"fmt"
	"strings"
	"time"

	"eventkg/internal/graph"
	"eventkg/internal/load"
	"eventkg/internal/logger"
)

// Skip reasons reported by LoadDomain.
const (
	SkipInvalidNode         = "invalid_node"
	SkipDuplicateKey        = "duplicate_key"
	SkipInvalidRelationship = "invalid_relationship"
	SkipDanglingEndpoint    = "dangling_relationship"
)

var reservedLabels = map[string]struct{}{
	LabelEvent:  {},
	LabelEntity: {},
}

// LoadDomain merges a domain fact set into the store. Every domain node
// carries the Domain label next to its declared labels. Relationships whose
// endpoints were not declared are skipped and counted, never fabricated.
func LoadDomain(s *graph.Store, facts *load.Facts) (*Report, error) {
	if facts == nil {
		return nil, fmt.Errorf("load domain: nil fact set")
	}

	start := time.Now()
	r := newReport(StageDomain)
	declared := make(map[string]graph.NodeID, len(facts.Nodes))

	for i, nf := range facts.Nodes {
		key := strings.TrimSpace(nf.Key)
		if key == "" || len(nf.Labels) == 0 || hasReservedLabel(nf.Labels) {
			logger.Warnf("Domain node %d skipped: key=%q labels=%v", i, nf.Key, nf.Labels)
			r.skip(SkipInvalidNode)
			continue
		}
		if _, dup := declared[key]; dup {
			logger.Warnf("Domain node %q declared more than once; keeping the first", key)
			r.skip(SkipDuplicateKey)
			continue
		}

		props := make(map[string]any, len(nf.Properties)+1)
		for k, v := range nf.Properties {
			props[k] = v
		}
		if _, ok := props["key"]; !ok {
			props["key"] = key
		}
		labels := append(append([]string(nil), nf.Labels...), LabelDomain)

		for _, label := range labels {
			s.DeclareLabel(label, propNames(props)...)
		}
		n, created := s.MergeNode(DomainKey(key), labels, props)
		r.countNode(created)
		declared[key] = n.ID
	}

	for i, rf := range facts.Relationships {
		if strings.TrimSpace(rf.Type) == "" {
			logger.Warnf("Domain relationship %d skipped: missing type", i)
			r.skip(SkipInvalidRelationship)
			continue
		}
		s.DeclareEdgeType(rf.Type, propNames(rf.Properties)...)
		from, okFrom := declared[strings.TrimSpace(rf.From)]
		to, okTo := declared[strings.TrimSpace(rf.To)]
		if !okFrom || !okTo {
			logger.Warnf("Domain relationship %s %q -> %q skipped: undeclared endpoint", rf.Type, rf.From, rf.To)
			r.skip(SkipDanglingEndpoint)
			continue
		}
		_, created, err := s.MergeEdge(domainEdgeKey(rf.Type, from, to), rf.Type, from, to, rf.Properties)
		if err != nil {
			return nil, fmt.Errorf("load domain relationship %s: %w", rf.Type, err)
		}
		r.countEdge(created)
	}

	s.DeclareLabel(LabelDomain, domainProps...)
	s.MarkStage(StageDomain)
	r.Duration = time.Since(start)
	return r, nil
}

func propNames(props map[string]any) []string {
	out := make([]string, 0, len(props))
	for k := range props {
		out = append(out, k)
	}
	return out
}

func hasReservedLabel(labels []string) bool {
	for _, l := range labels {
		if _, ok := reservedLabels[l]; ok {
			return true
		}
	}
	return false
}
