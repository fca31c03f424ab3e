package graphsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"eventkg/internal/logger"
	"eventkg/pkg/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		build_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		labels TEXT NOT NULL,
		properties TEXT NOT NULL,
		PRIMARY KEY (build_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		build_id TEXT NOT NULL,
		id INTEGER NOT NULL,
		type TEXT NOT NULL,
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		properties TEXT NOT NULL,
		PRIMARY KEY (build_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(build_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(build_id, from_id)`,
}

// Writer stores graph records in a SQLite database, one row per node or edge
// keyed by (build id, id). Rewriting a build replaces its rows.
type Writer struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewWriter opens or creates the database at path.
func NewWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	logger.Infof("Graph SQLite writer initialized: %s", path)
	return &Writer{db: db}, nil
}

// WriteRecords upserts a batch in one transaction.
func (w *Writer) WriteRecords(ctx context.Context, records []*models.GraphRecord) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("write graph records: writer closed")
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (build_id, id, labels, properties) VALUES (?, ?, ?, ?)
		ON CONFLICT(build_id, id) DO UPDATE SET
			labels = excluded.labels,
			properties = excluded.properties
	`)
	if err != nil {
		return fmt.Errorf("prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (build_id, id, type, from_id, to_id, properties) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(build_id, id) DO UPDATE SET
			type = excluded.type,
			from_id = excluded.from_id,
			to_id = excluded.to_id,
			properties = excluded.properties
	`)
	if err != nil {
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()

	for _, rec := range records {
		if rec == nil {
			continue
		}
		props, err := encodeProps(rec.Properties)
		if err != nil {
			return fmt.Errorf("encode properties of %s %d: %w", rec.RecordType, rec.ID, err)
		}
		switch rec.RecordType {
		case models.RecordNode:
			if _, err := nodeStmt.ExecContext(ctx, rec.BuildID, rec.ID, strings.Join(rec.Labels, ","), props); err != nil {
				return fmt.Errorf("insert node %d: %w", rec.ID, err)
			}
		case models.RecordEdge:
			if _, err := edgeStmt.ExecContext(ctx, rec.BuildID, rec.ID, rec.Type, rec.From, rec.To, props); err != nil {
				return fmt.Errorf("insert edge %d: %w", rec.ID, err)
			}
		default:
			return fmt.Errorf("unknown record type %q", rec.RecordType)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit graph records: %w", err)
	}
	return nil
}

// Counts returns the number of stored nodes and edges of a build.
func (w *Writer) Counts(buildID string) (nodes, edges int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE build_id = ?`, buildID).Scan(&nodes); err != nil {
		return 0, 0, fmt.Errorf("count nodes: %w", err)
	}
	if err := w.db.QueryRow(`SELECT COUNT(*) FROM edges WHERE build_id = ?`, buildID).Scan(&edges); err != nil {
		return 0, 0, fmt.Errorf("count edges: %w", err)
	}
	return nodes, edges, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.db.Close()
}

func encodeProps(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
