package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"eventkg/config"
	"eventkg/internal/construct"
	"eventkg/internal/graph"
	inputredis "eventkg/internal/input/redis"
	"eventkg/internal/load"
	"eventkg/internal/metrics"
	"eventkg/pkg/models"
)

const eventTable = `EventID,Activity,Timestamp,order,customer,price
e1,place order,2024-03-01T10:00:00Z,O1,C1,120
e2,place order,2024-03-01T10:05:00Z,O2,C2,80
e3,pay order,2024-03-01T11:00:00Z,O1,null,
e4,pay order,2024-03-01T11:30:00Z,O2,,
e5,pay order,yesterday,O3,C1,
`

func loadOptions() load.Options {
	return load.Options{
		IDColumn:        "EventID",
		ActivityColumn:  "Activity",
		TimestampColumn: "Timestamp",
		Entities: []load.EntityColumn{
			{Type: "Order", Column: "order"},
			{Type: "Customer", Column: "customer"},
		},
		Attributes:    map[string]string{"price": "float"},
		ListDelimiter: ",",
		AbsentMarker:  "null",
	}
}

func facts() *load.Facts {
	return &load.Facts{
		Nodes: []load.NodeFact{
			{Key: "c1", Labels: []string{"Customer"}, Properties: map[string]any{"customer_id": "C1"}},
			{Key: "nl", Labels: []string{"Country"}, Properties: map[string]any{"code": "NL"}},
		},
		Relationships: []load.RelationshipFact{{From: "c1", To: "nl", Type: "LOCATED_IN"}},
	}
}

var links = LinksFromConfig([]config.LinkConfig{{EntityType: "Customer", Label: "Customer", Property: "customer_id"}})

func writeTable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(eventTable), 0o644))
	return path
}

type memoryWriter struct {
	mu      sync.Mutex
	batches [][]*models.GraphRecord
	failN   int
	closed  bool
	aborted bool
}

func (w *memoryWriter) WriteRecords(ctx context.Context, records []*models.GraphRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failN != 0 {
		if w.failN > 0 {
			w.failN--
		}
		return errors.New("sink unavailable")
	}
	w.batches = append(w.batches, records)
	return nil
}

func (w *memoryWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
	w.batches = nil
	return nil
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return nil
}

func (w *memoryWriter) count() int {
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

type activityTagger struct{}

func (activityTagger) Apply(e *models.Event) []string {
	if e.Activity == "pay order" {
		return []string{"paid"}
	}
	return nil
}

func setupTracing(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("eventkg/pipeline")
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("eventkg/pipeline")
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestBuildRunsEveryStage(t *testing.T) {
	rec := metrics.New()
	w := &memoryWriter{}
	b := New(Options{
		Source:    &FileSource{Path: writeTable(t), Options: loadOptions()},
		Facts:     facts(),
		Schema:    construct.Schema{EntityTypes: []string{"Order", "Customer"}, AbsentMarker: "null"},
		Links:     links,
		Engine:    activityTagger{},
		Writer:    w,
		Metrics:   rec,
		Workers:   2,
		BatchSize: 4,
	})
	s := graph.NewStore()

	rep, err := b.Build(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, s.ID().String(), rep.BuildID)
	assert.Equal(t, 4, rep.Loaded)
	assert.Equal(t, map[string]int{"unparsable timestamp": 1}, rep.Rejected)
	assert.Equal(t, 2, rep.Tagged)

	var names []string
	for _, sr := range rep.Stages {
		names = append(names, sr.Stage)
	}
	assert.Equal(t, []string{
		construct.StageEvents, construct.StageEntities, construct.StageCorrelation,
		construct.StageSequencing, construct.StageDomain, construct.StageCrossLink,
	}, names)

	assert.Equal(t, 4, rep.Stage(construct.StageEvents).NodesCreated)
	assert.Equal(t, 4, rep.Stage(construct.StageEntities).NodesCreated)
	assert.Equal(t, 6, rep.Stage(construct.StageCorrelation).EdgesCreated)
	assert.Equal(t, 2, rep.Stage(construct.StageSequencing).EdgesCreated)
	assert.Equal(t, 2, rep.Stage(construct.StageDomain).NodesCreated)
	assert.Equal(t, 1, rep.Stage(construct.StageCrossLink).EdgesCreated)
	assert.Equal(t, map[string]int{construct.UnmatchedReason("Customer"): 1}, rep.Stage(construct.StageCrossLink).Skips)
	assert.Nil(t, rep.Stage("nope"))

	assert.Equal(t, 10, rep.Stats.Nodes)
	assert.Equal(t, 10, rep.Stats.Edges)
	assert.Equal(t, 20, rep.Exported)
	assert.Equal(t, 20, w.count())
	assert.Len(t, w.batches, 5)

	e3, ok := s.NodeByKey(construct.EventKey("e3"))
	require.True(t, ok)
	assert.Equal(t, []string{"paid"}, e3.Props["tags"])

	assert.Equal(t, 4.0, testutil.ToFloat64(rec.RowsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.RowsRejected.WithLabelValues("unparsable timestamp")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.EventsTagged))
	assert.Equal(t, 6.0, testutil.ToFloat64(rec.EdgesCreated.WithLabelValues(construct.StageCorrelation)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Skips.WithLabelValues(construct.StageCrossLink, "unmatched:Customer")))

	require.NoError(t, b.Close())
	assert.True(t, w.closed)
}

func TestBuildIsIdempotentOnOneStore(t *testing.T) {
	b := New(Options{
		Source: &FileSource{Path: writeTable(t), Options: loadOptions()},
		Facts:  facts(),
		Schema: construct.Schema{EntityTypes: []string{"Order", "Customer"}},
		Links:  links,
	})
	s := graph.NewStore()

	_, err := b.Build(context.Background(), s)
	require.NoError(t, err)
	first := s.Stats()

	rep, err := b.Build(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, first.Nodes, rep.Stats.Nodes)
	assert.Equal(t, first.Edges, rep.Stats.Edges)
	for _, sr := range rep.Stages {
		assert.Zero(t, sr.NodesCreated, sr.Stage)
		assert.Zero(t, sr.EdgesCreated, sr.Stage)
	}
}

func TestBuildEmitsStageSpans(t *testing.T) {
	exporter := setupTracing(t)
	b := New(Options{
		Source: &FileSource{Path: writeTable(t), Options: loadOptions()},
		Facts:  facts(),
		Schema: construct.Schema{EntityTypes: []string{"Order", "Customer"}},
		Links:  links,
		Engine: activityTagger{},
		Writer: &memoryWriter{},
	})

	_, err := b.Build(context.Background(), graph.NewStore())
	require.NoError(t, err)

	spans := exporter.GetSpans()
	byName := make(map[string]tracetest.SpanStub, len(spans))
	for _, sp := range spans {
		byName[sp.Name] = sp
	}
	root, ok := byName["eventkg.build"]
	require.True(t, ok)
	assert.Equal(t, codes.Ok, root.Status.Code)

	for _, stage := range []string{
		StageLoad, StageTag,
		construct.StageEvents, construct.StageEntities, construct.StageCorrelation,
		construct.StageSequencing, construct.StageDomain, construct.StageCrossLink,
		StageExport,
	} {
		sp, ok := byName["eventkg.stage."+stage]
		require.True(t, ok, stage)
		assert.Equal(t, root.SpanContext.SpanID(), sp.Parent.SpanID(), stage)
	}
	assert.Len(t, spans, 10)
}

func TestBuildRetriesFailedExport(t *testing.T) {
	retryDelay = 0
	t.Cleanup(func() { retryDelay = defaultRetryDelay })

	w := &memoryWriter{failN: 1}
	b := New(Options{
		Source: &FileSource{Path: writeTable(t), Options: loadOptions()},
		Schema: construct.Schema{EntityTypes: []string{"Order", "Customer"}},
		Writer: w,
	})
	rep, err := b.Build(context.Background(), graph.NewStore())
	require.NoError(t, err)
	assert.Equal(t, rep.Exported, w.count())
	assert.False(t, w.aborted)
}

func TestBuildFailsWhenExportKeepsFailing(t *testing.T) {
	exporter := setupTracing(t)
	retryDelay = 0
	t.Cleanup(func() { retryDelay = defaultRetryDelay })

	w := &memoryWriter{failN: -1}
	b := New(Options{
		Source: &FileSource{Path: writeTable(t), Options: loadOptions()},
		Schema: construct.Schema{EntityTypes: []string{"Order", "Customer"}},
		Writer: w,
	})
	_, err := b.Build(context.Background(), graph.NewStore())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unavailable")
	assert.True(t, w.aborted, "a failed export discards what was written")
	assert.Zero(t, w.count())

	var root tracetest.SpanStub
	for _, sp := range exporter.GetSpans() {
		if sp.Name == "eventkg.build" {
			root = sp
		}
	}
	assert.Equal(t, codes.Error, root.Status.Code)
}

func TestBuildStopsOnMissingTable(t *testing.T) {
	b := New(Options{
		Source: &FileSource{Path: filepath.Join(t.TempDir(), "missing.csv"), Options: loadOptions()},
	})
	s := graph.NewStore()
	_, err := b.Build(context.Background(), s)
	require.Error(t, err)
	assert.Empty(t, s.Stages())

	_, err = New(Options{}).Build(context.Background(), s)
	assert.Error(t, err)
}

func TestBuildHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := New(Options{Source: &SliceSource{Rows: []*models.Event{{ID: "e1", Activity: "a"}}}})
	_, err := b.Build(ctx, graph.NewStore())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildFromRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := mr.Push("eventkg_rows",
		`{"EventID":"e1","Activity":"place order","Timestamp":"2024-03-01T10:00:00Z","order":"O1","customer":["C1"]}`,
		`{"EventID":"e2","Activity":"pay order","Timestamp":"2024-03-01T11:00:00Z","order":"O1"}`,
		`not json`,
	)
	require.NoError(t, err)

	consumer, err := inputredis.NewConsumer(inputredis.Config{Addr: mr.Addr(), Key: "eventkg_rows"})
	require.NoError(t, err)

	b := New(Options{
		Source: NewRedisSource(consumer, loadOptions()),
		Facts:  facts(),
		Schema: construct.Schema{EntityTypes: []string{"Order", "Customer"}},
		Links:  links,
	})
	defer b.Close()

	s := graph.NewStore()
	rep, err := b.Build(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Loaded)
	assert.Equal(t, map[string]int{"malformed row": 1}, rep.Rejected)

	chain, err := construct.Chain(s, "Order", "O1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "e1", chain[0].Props["id"])
	assert.Equal(t, "e2", chain[1].Props["id"])
	assert.Equal(t, 1, rep.Stage(construct.StageCrossLink).EdgesCreated)
}
