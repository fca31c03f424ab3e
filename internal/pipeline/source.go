package pipeline

import (
	"context"
	"fmt"

	inputredis "eventkg/internal/input/redis"
	"eventkg/internal/load"
	"eventkg/pkg/models"
)

// EventSource yields the event table of one build.
type EventSource interface {
	Events(ctx context.Context) ([]*models.Event, *load.Report, error)
	Close() error
}

// FileSource reads a CSV event table.
type FileSource struct {
	Path    string
	Options load.Options
}

// Events reads and parses the file.
func (f *FileSource) Events(ctx context.Context) ([]*models.Event, *load.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return load.ReadCSVFile(f.Path, f.Options)
}

// Close is a no-op.
func (f *FileSource) Close() error {
	return nil
}

// SliceSource serves events that were loaded elsewhere.
type SliceSource struct {
	Rows []*models.Event
}

// Events returns the stored events.
func (s *SliceSource) Events(ctx context.Context) ([]*models.Event, *load.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return s.Rows, &load.Report{Loaded: len(s.Rows)}, nil
}

// Close is a no-op.
func (s *SliceSource) Close() error {
	return nil
}

// RedisSource drains JSON event rows queued in a Redis list.
type RedisSource struct {
	consumer *inputredis.Consumer
	opts     load.Options
}

// NewRedisSource wraps a consumer.
func NewRedisSource(consumer *inputredis.Consumer, opts load.Options) *RedisSource {
	return &RedisSource{consumer: consumer, opts: opts}
}

// Events drains the queue and parses every payload.
func (r *RedisSource) Events(ctx context.Context) ([]*models.Event, *load.Report, error) {
	payloads, err := r.consumer.Drain(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("drain event rows: %w", err)
	}
	events, rep := load.ReadJSONRows(payloads, r.opts)
	return events, rep, nil
}

// Close closes the consumer.
func (r *RedisSource) Close() error {
	return r.consumer.Close()
}
