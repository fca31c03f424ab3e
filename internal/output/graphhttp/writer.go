// Package graphhttp posts graph export batches to a remote collector.
//
// Each request carries one batch split into nodes and edges, tagged with the
// build id and a batch key derived from the first and last record. The key
// is stable across retries of the same batch, so a collector can answer a
// redelivery with 409 Conflict and the writer treats that as delivered.
package graphhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eventkg/pkg/models"
)

// Request headers set on every batch.
const (
	HeaderBuild          = "X-Eventkg-Build"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Batch is the request body of one export call.
type Batch struct {
	BuildID string                `json:"build_id"`
	Key     string                `json:"batch"`
	Nodes   []*models.GraphRecord `json:"nodes"`
	Edges   []*models.GraphRecord `json:"edges"`
}

// Config configures the HTTP writer.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Writer posts graph batches to a collector.
type Writer struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http output URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// NewBatch splits records of one build into nodes and edges.
func NewBatch(records []*models.GraphRecord) (*Batch, error) {
	b := &Batch{Nodes: []*models.GraphRecord{}, Edges: []*models.GraphRecord{}}
	var first, last *models.GraphRecord
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if first == nil {
			first = rec
			b.BuildID = rec.BuildID
		} else if rec.BuildID != b.BuildID {
			return nil, fmt.Errorf("batch mixes builds %s and %s", b.BuildID, rec.BuildID)
		}
		last = rec
		switch rec.RecordType {
		case models.RecordNode:
			b.Nodes = append(b.Nodes, rec)
		case models.RecordEdge:
			b.Edges = append(b.Edges, rec)
		default:
			return nil, fmt.Errorf("unknown record type %q", rec.RecordType)
		}
	}
	if first == nil {
		return nil, nil
	}
	b.Key = fmt.Sprintf("%s:%d-%s:%d", first.RecordType, first.ID, last.RecordType, last.ID)
	return b, nil
}

// WriteRecords posts one batch within ctx.
func (w *Writer) WriteRecords(ctx context.Context, records []*models.GraphRecord) error {
	batch, err := NewBatch(records)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal graph batch %s: %w", batch.Key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderBuild, batch.BuildID)
	req.Header.Set(HeaderIdempotencyKey, batch.BuildID+"/"+batch.Key)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post graph batch %s: %w", batch.Key, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("post graph batch %s: %s: %s", batch.Key, resp.Status, strings.TrimSpace(string(detail)))
	}
}

// Close releases idle connections.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
