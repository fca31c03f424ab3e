// Package graphjson writes one build of the fused graph as a JSON lines
// snapshot.
//
// Records are staged in a temporary file next to the target and moved into
// place on Close, so readers see either the previous snapshot or a complete
// new one. A snapshot holds a single build; every edge must reference nodes
// already written to it.
package graphjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"eventkg/internal/logger"
	"eventkg/pkg/models"
)

// ErrDanglingEdge is returned for an edge whose endpoint is not in the snapshot.
var ErrDanglingEdge = errors.New("edge endpoint not in snapshot")

// Writer stages a graph snapshot and publishes it on Close.
type Writer struct {
	mu      sync.Mutex
	path    string
	tmp     *os.File
	out     *bufio.Writer
	buildID string
	nodes   map[int64]struct{}
	edges   int
}

// NewWriter stages a snapshot that replaces path on Close.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("stage snapshot: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("stage snapshot: %w", err)
	}

	logger.Infof("Graph JSON snapshot staged for %s", path)
	return &Writer{
		path:  path,
		tmp:   tmp,
		out:   bufio.NewWriter(tmp),
		nodes: make(map[int64]struct{}),
	}, nil
}

// WriteRecords appends a batch. The batch is checked and encoded as a whole
// before anything reaches the snapshot, so a rejected batch can be retried.
func (w *Writer) WriteRecords(ctx context.Context, records []*models.GraphRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tmp == nil {
		return fmt.Errorf("write graph snapshot: writer closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	buildID := w.buildID
	added := make(map[int64]struct{})
	edges := 0
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if buildID == "" {
			buildID = rec.BuildID
		} else if rec.BuildID != buildID {
			return fmt.Errorf("graph snapshot of build %s: record %s %d belongs to build %s", buildID, rec.RecordType, rec.ID, rec.BuildID)
		}
		switch rec.RecordType {
		case models.RecordNode:
			added[rec.ID] = struct{}{}
		case models.RecordEdge:
			for _, end := range []int64{rec.From, rec.To} {
				if !w.hasNode(end, added) {
					return fmt.Errorf("edge %d -> node %d: %w", rec.ID, end, ErrDanglingEdge)
				}
			}
			edges++
		default:
			return fmt.Errorf("unknown record type %q", rec.RecordType)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode graph record: %w", err)
		}
	}

	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write graph snapshot: %w", err)
	}
	w.buildID = buildID
	for id := range added {
		w.nodes[id] = struct{}{}
	}
	w.edges += edges
	return nil
}

// Written returns the number of node and edge records staged so far.
func (w *Writer) Written() (nodes, edges int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.nodes), w.edges
}

// Abort discards the staged snapshot and leaves the previous one in place.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tmp == nil {
		return nil
	}
	name := w.tmp.Name()
	w.tmp.Close()
	w.tmp = nil
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("discard graph snapshot: %w", err)
	}
	logger.Warnf("Graph JSON snapshot for %s discarded", w.path)
	return nil
}

// Close publishes the snapshot. Closing an aborted or closed writer is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tmp == nil {
		return nil
	}
	f := w.tmp
	w.tmp = nil

	err := w.out.Flush()
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), w.path)
	}
	if err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("publish graph snapshot: %w", err)
	}
	logger.Infof("Graph JSON snapshot written: %s (build %s, %d nodes, %d edges)", w.path, w.buildID, len(w.nodes), w.edges)
	return nil
}

func (w *Writer) hasNode(id int64, batch map[int64]struct{}) bool {
	if _, ok := w.nodes[id]; ok {
		return true
	}
	_, ok := batch[id]
	return ok
}
