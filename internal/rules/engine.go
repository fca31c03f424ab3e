package rules

import "eventkg/pkg/models"

// Engine tags events.
type Engine interface {
	Apply(event *models.Event) []string
}

// NoopEngine returns no tags.
type NoopEngine struct{}

// Apply returns an empty tag list.
func (n *NoopEngine) Apply(event *models.Event) []string {
	return nil
}

// TagAll applies the engine to every event and stores the result as its tags.
// It returns the number of events that received at least one tag.
func TagAll(engine Engine, events []*models.Event) int {
	if engine == nil {
		return 0
	}
	tagged := 0
	for _, e := range events {
		if e == nil {
			continue
		}
		e.Tags = engine.Apply(e)
		if len(e.Tags) > 0 {
			tagged++
		}
	}
	return tagged
}
