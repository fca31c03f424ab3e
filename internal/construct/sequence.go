package construct

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"eventkg/internal/graph"
	"eventkg/pkg/models"
)

// orderKey places an event on its entity's timeline. Ties on timestamp fall
// back to the source row and then to the event id, so the order never
// depends on load or merge order.
type orderKey struct {
	ts     time.Time
	row    int64
	hasRow bool
	id     string
}

func buildOrderKey(n *graph.Node) orderKey {
	k := orderKey{id: models.FormatValue(n.Props["id"])}
	if ts, ok := n.Props["timestamp"].(time.Time); ok {
		k.ts = ts
	}
	switch v := n.Props["row"].(type) {
	case int64:
		k.row, k.hasRow = v, true
	case int:
		k.row, k.hasRow = int64(v), true
	}
	return k
}

func orderKeyLT(a, b orderKey) bool {
	if a.ts.Before(b.ts) {
		return true
	}
	if a.ts.After(b.ts) {
		return false
	}
	if a.hasRow && b.hasRow && a.row != b.row {
		return a.row < b.row
	}
	return a.id < b.id
}

type seqResult struct {
	created  int
	existing int
	err      error
}

// Sequence merges DF edges between consecutive events of every entity. The
// per-entity work is independent and runs on a pool of workers.
func Sequence(ctx context.Context, s *graph.Store, workers int) (*Report, error) {
	if err := requireStages(s, StageSequencing, StageCorrelation); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 8
	}

	start := time.Now()
	r := newReport(StageSequencing)

	entities := s.NodesByLabel(LabelEntity)
	work := make(chan *graph.Node, workers*4)
	results := make(chan seqResult, workers*4)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ent := range work {
				results <- sequenceEntity(s, ent)
			}
		}()
	}

	go func() {
		defer close(work)
		for _, ent := range entities {
			select {
			case <-ctx.Done():
				return
			case work <- ent:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
		r.EdgesCreated += res.created
		r.Existing += res.existing
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.DeclareEdgeType(EdgeDF, dfProps...)
	s.MarkStage(StageSequencing)
	r.Duration = time.Since(start)
	return r, nil
}

func sequenceEntity(s *graph.Store, ent *graph.Node) seqResult {
	var res seqResult
	events := CorrelatedEvents(s, ent.ID)
	if len(events) < 2 {
		return res
	}

	entityType := models.FormatValue(ent.Props["type"])
	entityID := models.FormatValue(ent.Props["id"])
	props := map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
	}
	for i := 1; i < len(events); i++ {
		from, to := events[i-1].ID, events[i].ID
		_, created, err := s.MergeEdge(dfKey(entityType, entityID, from, to), EdgeDF, from, to, props)
		if err != nil {
			res.err = fmt.Errorf("sequence %s %s: %w", entityType, entityID, err)
			return res
		}
		if created {
			res.created++
		} else {
			res.existing++
		}
	}
	return res
}

// CorrelatedEvents returns the events correlated with an entity in
// timeline order.
func CorrelatedEvents(s *graph.Store, entity graph.NodeID) []*graph.Node {
	in := s.Incoming(entity, EdgeCorr)
	events := make([]*graph.Node, 0, len(in))
	keys := make(map[graph.NodeID]orderKey, len(in))
	for _, e := range in {
		n, ok := s.Node(e.From)
		if !ok {
			continue
		}
		if _, dup := keys[n.ID]; dup {
			continue
		}
		keys[n.ID] = buildOrderKey(n)
		events = append(events, n)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return orderKeyLT(keys[events[i].ID], keys[events[j].ID])
	})
	return events
}
