package cli

import (
	"fmt"
	"strings"

	"eventkg/config"
	"eventkg/internal/construct"
	inputredis "eventkg/internal/input/redis"
	"eventkg/internal/load"
	"eventkg/internal/logger"
	"eventkg/internal/metrics"
	"eventkg/internal/output/graphhttp"
	"eventkg/internal/output/graphjson"
	"eventkg/internal/output/graphredis"
	"eventkg/internal/output/graphsqlite"
	"eventkg/internal/pipeline"
	"eventkg/internal/rules"
)

// loadConfig finds, reads, validates the config and initialises logging.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	path := findConfigFile(opts.ConfigPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	lc := cfg.EventKG.Logging
	if err := logger.Init(lc.Enabled, lc.Level, lc.File, lc.Console); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Infof("Config loaded from: %s", path)
	return cfg, nil
}

// newBuilder wires the configured source, domain facts, rules and output.
// Without export the builder never writes anywhere.
func newBuilder(cfg *config.Config, rec *metrics.Recorder, export bool) (*pipeline.Builder, error) {
	c := cfg.EventKG
	opts := load.OptionsFromConfig(c.Input)

	source, err := newSource(c.Input, opts)
	if err != nil {
		return nil, err
	}

	var facts *load.Facts
	if strings.TrimSpace(c.Domain.Path) != "" {
		facts, err = load.LoadFacts(c.Domain.Path)
		if err != nil {
			source.Close()
			return nil, err
		}
		logger.Infof("Domain facts loaded: %d nodes, %d relationships", len(facts.Nodes), len(facts.Relationships))
	} else {
		logger.Warnf("No domain fact set configured; the domain graph stays empty")
	}

	engine, err := newEngine(c.Rules, c.Input)
	if err != nil {
		source.Close()
		return nil, err
	}

	var writer pipeline.GraphWriter
	if export {
		writer, err = newWriter(c.Output)
		if err != nil {
			source.Close()
			return nil, err
		}
	}

	return pipeline.New(pipeline.Options{
		Source:    source,
		Facts:     facts,
		Schema:    construct.Schema{EntityTypes: opts.EntityTypes(), AbsentMarker: c.Input.AbsentMarker},
		Links:     pipeline.LinksFromConfig(c.Links),
		Engine:    engine,
		Writer:    writer,
		Metrics:   rec,
		Workers:   c.Pipeline.Workers,
		BatchSize: c.Output.HTTP.BatchSize,
	}), nil
}

func newSource(in config.InputConfig, opts load.Options) (pipeline.EventSource, error) {
	switch in.Mode {
	case "file":
		logger.Infof("Input mode: file (%s)", in.File.Path)
		return &pipeline.FileSource{Path: in.File.Path, Options: opts}, nil
	case "redis":
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:     in.Redis.Addr,
			Password: in.Redis.Password,
			DB:       in.Redis.DB,
			Key:      in.Redis.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis consumer: %w", err)
		}
		logger.Infof("Input mode: redis (%s %s)", in.Redis.Addr, in.Redis.Key)
		return pipeline.NewRedisSource(consumer, opts), nil
	default:
		return nil, fmt.Errorf("unknown input mode: %s", in.Mode)
	}
}

func newEngine(rc config.RulesConfig, in config.InputConfig) (rules.Engine, error) {
	if !rc.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(rc.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; event tagging disabled")
		return nil, nil
	}
	engine, stats, err := rules.NewSigmaEngine(rc.Path, rules.SigmaOptions{
		Delimiter: in.ListDelimiter,
		Columns: map[string]string{
			"id":        in.Columns.ID,
			"activity":  in.Columns.Activity,
			"timestamp": in.Columns.Timestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load sigma rules from %s: %w", rc.Path, err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedDatasource,
		stats.SkippedInvalid,
		stats.TotalFiles,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; event tagging is effectively disabled")
	}
	return engine, nil
}

func newWriter(oc config.OutputConfig) (pipeline.GraphWriter, error) {
	switch oc.Mode {
	case "none":
		return nil, nil
	case "file":
		w, err := graphjson.NewWriter(oc.File.Path)
		if err != nil {
			return nil, fmt.Errorf("create graph file writer: %w", err)
		}
		logger.Infof("Output mode: file (%s)", oc.File.Path)
		return w, nil
	case "sqlite":
		w, err := graphsqlite.NewWriter(oc.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("create graph sqlite writer: %w", err)
		}
		logger.Infof("Output mode: sqlite (%s)", oc.SQLite.Path)
		return w, nil
	case "redis":
		w, err := graphredis.NewWriter(graphredis.Config{
			Addr:      oc.Redis.Addr,
			Password:  oc.Redis.Password,
			DB:        oc.Redis.DB,
			KeyPrefix: oc.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create graph redis writer: %w", err)
		}
		logger.Infof("Output mode: redis (%s)", oc.Redis.Addr)
		return w, nil
	case "http":
		w, err := graphhttp.NewWriter(graphhttp.Config{
			URL:     oc.HTTP.URL,
			Timeout: oc.HTTP.Timeout,
			Headers: oc.HTTP.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create graph http writer: %w", err)
		}
		logger.Infof("Output mode: http (%s)", oc.HTTP.URL)
		return w, nil
	default:
		return nil, fmt.Errorf("unknown output mode: %s", oc.Mode)
	}
}
