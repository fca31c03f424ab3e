package graphredis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"eventkg/pkg/models"
)

// Config configures Redis access for graph export.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Writer stores graph records as Redis hashes with label and edge-type
// index sets, namespaced by build id:
//
//	<prefix>:<build>:node:<id>      hash labels, properties
//	<prefix>:<build>:edge:<id>      hash type, from, to, properties
//	<prefix>:<build>:label:<label>  set of node ids
//	<prefix>:<build>:type:<type>    set of edge ids
//	<prefix>:<build>:out:<id>       set of outgoing edge ids
//	<prefix>:builds                 sorted set of build ids by export time
type Writer struct {
	client *redis.Client
	prefix string
}

// NewWriter constructs a Redis graph writer.
func NewWriter(cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "eventkg"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis graph output: %w", err)
	}

	return &Writer{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// WriteRecords writes a batch in one pipeline.
func (w *Writer) WriteRecords(ctx context.Context, records []*models.GraphRecord) error {
	if len(records) == 0 {
		return nil
	}
	pipe := w.client.Pipeline()
	builds := make(map[string]struct{})

	for _, rec := range records {
		if rec == nil || rec.BuildID == "" {
			continue
		}
		props, err := json.Marshal(rec.Properties)
		if err != nil {
			return fmt.Errorf("encode properties of %s %d: %w", rec.RecordType, rec.ID, err)
		}
		id := strconv.FormatInt(rec.ID, 10)

		switch rec.RecordType {
		case models.RecordNode:
			pipe.HSet(ctx, w.nodeKey(rec.BuildID, rec.ID),
				"labels", strings.Join(rec.Labels, ","),
				"properties", string(props),
			)
			for _, label := range rec.Labels {
				pipe.SAdd(ctx, w.labelKey(rec.BuildID, label), id)
			}
		case models.RecordEdge:
			pipe.HSet(ctx, w.edgeKey(rec.BuildID, rec.ID),
				"type", rec.Type,
				"from", strconv.FormatInt(rec.From, 10),
				"to", strconv.FormatInt(rec.To, 10),
				"properties", string(props),
			)
			pipe.SAdd(ctx, w.typeKey(rec.BuildID, rec.Type), id)
			pipe.SAdd(ctx, w.outKey(rec.BuildID, rec.From), id)
		default:
			return fmt.Errorf("unknown record type %q", rec.RecordType)
		}
		builds[rec.BuildID] = struct{}{}
	}

	now := float64(time.Now().Unix())
	for build := range builds {
		pipe.ZAdd(ctx, w.buildsKey(), redis.Z{Score: now, Member: build})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write graph redis keys: %w", err)
	}
	return nil
}

// Builds returns exported build ids, most recent first.
func (w *Writer) Builds(limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := w.client.ZRevRange(context.Background(), w.buildsKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read exported builds: %w", err)
	}
	return ids, nil
}

// Node reads one exported node back.
func (w *Writer) Node(buildID string, id int64) (*models.GraphRecord, error) {
	hash, err := w.client.HGetAll(context.Background(), w.nodeKey(buildID, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read node %d: %w", id, err)
	}
	if len(hash) == 0 {
		return nil, nil
	}
	rec := &models.GraphRecord{BuildID: buildID, RecordType: models.RecordNode, ID: id}
	if hash["labels"] != "" {
		rec.Labels = strings.Split(hash["labels"], ",")
	}
	if err := json.Unmarshal([]byte(hash["properties"]), &rec.Properties); err != nil {
		return nil, fmt.Errorf("decode node %d properties: %w", id, err)
	}
	return rec, nil
}

// Close closes Redis resources.
func (w *Writer) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}

func (w *Writer) nodeKey(build string, id int64) string {
	return w.prefix + ":" + build + ":node:" + strconv.FormatInt(id, 10)
}

func (w *Writer) edgeKey(build string, id int64) string {
	return w.prefix + ":" + build + ":edge:" + strconv.FormatInt(id, 10)
}

func (w *Writer) labelKey(build, label string) string {
	return w.prefix + ":" + build + ":label:" + label
}

func (w *Writer) typeKey(build, edgeType string) string {
	return w.prefix + ":" + build + ":type:" + edgeType
}

func (w *Writer) outKey(build string, from int64) string {
	return w.prefix + ":" + build + ":out:" + strconv.FormatInt(from, 10)
}

func (w *Writer) buildsKey() string {
	return w.prefix + ":builds"
}
