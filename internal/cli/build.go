package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"eventkg/internal/graph"
	"eventkg/internal/logger"
	"eventkg/internal/metrics"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Wait bool
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the fused graph and export it",
		Long:  "Loads the event table and the domain fact set, runs every construction stage and writes the graph to the configured output.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "keep serving /metrics after the build until interrupted")
	return cmd
}

func runBuild(cmd *cobra.Command, opts *BuildOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()
	var srv *http.Server
	if cfg.EventKG.Metrics.Enabled {
		srv = serveMetrics(cfg.EventKG.Metrics.Addr, rec)
		defer shutdown(srv)
	}

	builder, err := newBuilder(cfg, rec, true)
	if err != nil {
		return err
	}
	defer builder.Close()

	rep, err := builder.Build(ctx, graph.NewStore())
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	f := newFormatter(cmd, opts.Format)
	if err := f.buildReport(rep); err != nil {
		return err
	}

	if srv != nil && opts.Wait {
		logger.Infof("Build finished; serving metrics on %s until interrupted", cfg.EventKG.Metrics.Addr)
		<-ctx.Done()
	}
	return nil
}

func serveMetrics(addr string, rec *metrics.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()
	logger.Infof("Metrics endpoint: http://%s/metrics", addr)
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Metrics server shutdown: %v", err)
	}
}
