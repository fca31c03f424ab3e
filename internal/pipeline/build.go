// Package pipeline runs the construction stages in dependency order over one
// graph store and exports the result.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"eventkg/config"
	"eventkg/internal/construct"
	"eventkg/internal/graph"
	"eventkg/internal/load"
	"eventkg/internal/logger"
	"eventkg/internal/metrics"
	"eventkg/internal/rules"
	"eventkg/pkg/models"
)

// Pseudo stages that are not construct stages.
const (
	StageLoad   = "load"
	StageTag    = "tag"
	StageExport = "export"
)

const defaultRetryDelay = time.Second

var retryDelay = defaultRetryDelay

// Options configures a Builder.
type Options struct {
	Source    EventSource
	Facts     *load.Facts
	Schema    construct.Schema
	Links     []construct.Link
	Engine    rules.Engine
	Writer    GraphWriter
	Metrics   *metrics.Recorder
	Workers   int
	BatchSize int
}

// Builder builds the fused graph.
type Builder struct {
	source    EventSource
	facts     *load.Facts
	schema    construct.Schema
	links     []construct.Link
	engine    rules.Engine
	writer    GraphWriter
	metrics   *metrics.Recorder
	workers   int
	batchSize int
}

// Report summarises one build.
type Report struct {
	BuildID  string              `json:"build_id"`
	Loaded   int                 `json:"loaded"`
	Rejected map[string]int      `json:"rejected,omitempty"`
	Tagged   int                 `json:"tagged"`
	Stages   []*construct.Report `json:"stages"`
	Stats    graph.Stats         `json:"stats"`
	Exported int                 `json:"exported"`
	Duration time.Duration       `json:"duration"`
}

// Stage returns the report of a construct stage, or nil.
func (r *Report) Stage(name string) *construct.Report {
	for _, sr := range r.Stages {
		if sr.Stage == name {
			return sr
		}
	}
	return nil
}

// New creates a builder.
func New(opts Options) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Facts == nil {
		opts.Facts = &load.Facts{}
	}
	return &Builder{
		source:    opts.Source,
		facts:     opts.Facts,
		schema:    opts.Schema,
		links:     opts.Links,
		engine:    opts.Engine,
		writer:    opts.Writer,
		metrics:   opts.Metrics,
		workers:   opts.Workers,
		batchSize: opts.BatchSize,
	}
}

// LinksFromConfig converts configured link rules.
func LinksFromConfig(in []config.LinkConfig) []construct.Link {
	out := make([]construct.Link, 0, len(in))
	for _, l := range in {
		out = append(out, construct.Link{EntityType: l.EntityType, Label: l.Label, Property: l.Property})
	}
	return out
}

// Build loads the event table, constructs both graphs into s, fuses them and
// exports the result when a writer is configured. A failing stage stops the
// build; stages that completed stay in the store.
func (b *Builder) Build(ctx context.Context, s *graph.Store) (rep *Report, err error) {
	if b.source == nil {
		return nil, fmt.Errorf("build: no event source")
	}
	start := time.Now()
	rep = &Report{BuildID: s.ID().String()}

	ctx, span := startBuildSpan(ctx, rep.BuildID)
	defer func() { endSpan(span, err) }()

	logger.Infof("Build %s started", rep.BuildID)

	events, err := b.load(ctx, rep)
	if err != nil {
		return nil, err
	}
	if b.engine != nil {
		b.tag(ctx, rep, events)
	}

	stages := []struct {
		name string
		run  func(ctx context.Context) (*construct.Report, error)
	}{
		{construct.StageEvents, func(context.Context) (*construct.Report, error) {
			return construct.ImportEvents(s, events), nil
		}},
		{construct.StageEntities, func(context.Context) (*construct.Report, error) {
			return construct.ExtractEntities(s, events, b.schema), nil
		}},
		{construct.StageCorrelation, func(context.Context) (*construct.Report, error) {
			return construct.Correlate(s, events, b.schema)
		}},
		{construct.StageSequencing, func(ctx context.Context) (*construct.Report, error) {
			return construct.Sequence(ctx, s, b.workers)
		}},
		{construct.StageDomain, func(context.Context) (*construct.Report, error) {
			return construct.LoadDomain(s, b.facts)
		}},
		{construct.StageCrossLink, func(context.Context) (*construct.Report, error) {
			return construct.CrossLink(s, b.links)
		}},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sr, err := b.runStage(ctx, st.name, st.run)
		if err != nil {
			return nil, err
		}
		rep.Stages = append(rep.Stages, sr)
	}

	if b.writer != nil {
		n, err := b.export(ctx, s)
		if err != nil {
			if a, ok := b.writer.(Aborter); ok {
				if aerr := a.Abort(); aerr != nil {
					logger.Errorf("Failed to abort graph export: %v", aerr)
				}
			}
			return nil, err
		}
		rep.Exported = n
	}

	rep.Stats = s.Stats()
	rep.Duration = time.Since(start)
	logger.Infof("Build %s finished: %d nodes, %d edges, version %d, %s",
		rep.BuildID, rep.Stats.Nodes, rep.Stats.Edges, rep.Stats.Version, rep.Duration)
	return rep, nil
}

func (b *Builder) load(ctx context.Context, rep *Report) (events []*models.Event, err error) {
	ctx, span := startStageSpan(ctx, StageLoad)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	events, lr, err := b.source.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	rep.Loaded = lr.Loaded
	rep.Rejected = lr.Reasons()
	b.metrics.ObserveLoad(lr.Loaded, rep.Rejected)
	b.metrics.ObserveStage(StageLoad, 0, 0, nil, time.Since(start))
	logger.Infof("Loaded %d events, rejected %d rows", lr.Loaded, lr.RejectedCount())
	return events, nil
}

func (b *Builder) tag(ctx context.Context, rep *Report, events []*models.Event) {
	_, span := startStageSpan(ctx, StageTag)
	defer endSpan(span, nil)

	rep.Tagged = rules.TagAll(b.engine, events)
	b.metrics.ObserveTagged(rep.Tagged)
	logger.Infof("Tagged %d of %d events", rep.Tagged, len(events))
}

func (b *Builder) runStage(ctx context.Context, name string, run func(context.Context) (*construct.Report, error)) (sr *construct.Report, err error) {
	ctx, span := startStageSpan(ctx, name)
	defer func() { endSpan(span, err) }()

	sr, err = run(ctx)
	if err != nil {
		logger.Errorf("Stage %s failed: %v", name, err)
		return nil, fmt.Errorf("stage %s: %w", name, err)
	}
	annotateStage(span, sr)
	b.metrics.ObserveStage(name, sr.NodesCreated, sr.EdgesCreated, sr.Skips, sr.Duration)
	logger.Infof("Stage %s: %d nodes, %d edges created, %d existing, %d skipped in %s",
		name, sr.NodesCreated, sr.EdgesCreated, sr.Existing, sr.SkipCount(), sr.Duration)
	return sr, nil
}

// export writes the store in batches. A failed batch is retried a few times
// before the build gives up.
func (b *Builder) export(ctx context.Context, s *graph.Store) (n int, err error) {
	ctx, span := startStageSpan(ctx, StageExport)
	defer func() { endSpan(span, err) }()

	records := s.Records()
	for i := 0; i < len(records); i += b.batchSize {
		end := i + b.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := b.writeBatch(ctx, records[i:end]); err != nil {
			return n, err
		}
		n += end - i
	}
	logger.Infof("Exported %d graph records", n)
	return n, nil
}

func (b *Builder) writeBatch(ctx context.Context, batch []*models.GraphRecord) error {
	const attempts = 3
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = b.writer.WriteRecords(ctx, batch); err == nil {
			return nil
		}
		logger.Errorf("Failed to write graph records (attempt %d/%d): %v", attempt, attempts, err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return fmt.Errorf("write graph records: %w", err)
}

// Close releases the source and the writer.
func (b *Builder) Close() error {
	if b.writer != nil {
		if err := b.writer.Close(); err != nil {
			logger.Errorf("Failed to close graph writer: %v", err)
		}
	}
	if b.source != nil {
		return b.source.Close()
	}
	return nil
}
