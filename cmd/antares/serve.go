package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"antares/internal/auth"
	"antares/internal/camera"
	"antares/internal/config"
	"antares/internal/database"
	"antares/internal/detection"
	"antares/internal/pipeline"
	"antares/internal/server"
	"antares/internal/stream"
	"antares/internal/sysstats"
	"antares/internal/telemetry"
	"antares/internal/ws"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "start every configured source and the HTTP server",
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, c.Bool("debug"))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources, err := resolveSources(ctx, cfg)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("no sources configured")
	}

	registry := newRegistry(cfg, logger)
	logger.Info("starting pipelines",
		zap.Int("sources", len(sources)),
		zap.String("backend", cfg.Inference.Backend),
		zap.String("endpoint", cfg.Inference.Endpoint),
		zap.Bool("shared_inference", cfg.Inference.Shared))

	if err := registry.StartAll(ctx, sources, detection.NewFactory(detectionConfig(cfg), logger)); err != nil {
		return fmt.Errorf("start pipelines: %w", err)
	}

	runErr := runHTTP(ctx, cfg, registry, logger)

	logger.Info("stopping pipelines")
	return multierr.Append(runErr, registry.StopAll())
}

// resolveSources returns the configured sources followed by the catalog
// sources.
func resolveSources(ctx context.Context, cfg *config.Config) ([]pipeline.SourceConfig, error) {
	if cfg.Database.Path == "" {
		return cfg.PipelineSources(), nil
	}

	db, err := openCatalog(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	records, err := db.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	extra := make([]config.SourceConfig, len(records))
	for i, r := range records {
		extra[i] = config.SourceConfig{
			Name:       r.Name,
			Locator:    r.Locator,
			Width:      r.Width,
			Height:     r.Height,
			InputSize:  r.InputSize,
			Confidence: r.Confidence,
		}
	}
	return cfg.PipelineSources(extra...), nil
}

func openCatalog(ctx context.Context, path string) (*database.Database, error) {
	db, err := database.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newRegistry(cfg *config.Config, logger *zap.Logger) *pipeline.PipelineRegistry {
	clk := clock.New()
	opener := camera.NewOpener(camera.Options{
		FFmpegPath:      cfg.Capture.FFmpegPath,
		FPS:             cfg.Capture.FPS,
		OpenTimeout:     cfg.Capture.OpenTimeout,
		ReadTimeout:     cfg.Capture.ReadTimeout,
		RestartAttempts: cfg.Capture.RestartAttempts,
		RestartDelay:    cfg.Capture.RestartDelay,
		MaxFrameBytes:   cfg.Capture.MaxFrameBytes,
		Logger:          logger,
		Clock:           clk,
	})
	gauge := sysstats.NewCachedGauge(sysstats.NewHostGauge(), cfg.Pipeline.GaugeInterval, clk)

	return pipeline.NewPipelineRegistry(opener, gauge, pipeline.RegistryOptions{
		Logger:          logger,
		SharedInference: cfg.Inference.Shared,
		Worker: pipeline.WorkerOptions{
			OpenRetries:    cfg.Pipeline.OpenRetries,
			OpenRetryDelay: cfg.Pipeline.OpenRetryDelay,
			IdleBackoff:    cfg.Pipeline.IdleBackoff,
			Clock:          clk,
		},
	})
}

func detectionConfig(cfg *config.Config) detection.Config {
	return detection.Config{
		Backend:        cfg.Inference.Backend,
		Endpoint:       cfg.Inference.Endpoint,
		ModelPath:      cfg.Inference.ModelPath,
		Timeout:        cfg.Inference.Timeout,
		AnnotateRemote: cfg.Inference.Annotate == "remote",
		JPEGQuality:    cfg.Inference.JPEGQuality,
	}
}

// runHTTP serves the API until ctx is done or the listener fails.
func runHTTP(ctx context.Context, cfg *config.Config, registry *pipeline.PipelineRegistry, logger *zap.Logger) error {
	authenticator, err := auth.NewAuthenticator(auth.Options{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTExpiry: cfg.Auth.JWTExpiry,
	})
	if err != nil {
		return err
	}

	hub := ws.NewPerformanceHub(registry, cfg.Telemetry.WSInterval, logger)
	opts := server.Options{
		Logger:        logger,
		Authenticator: authenticator,
		CORSOrigins:   cfg.Server.CORSOrigins,
		Version:       version,
		Hub:           hub,
		Stream:        stream.Options{JPEGQuality: cfg.Inference.JPEGQuality},
	}
	if cfg.Telemetry.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			telemetry.NewCollector(registry),
		)
		opts.Gatherer = reg
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := server.NewRouter(registry, opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers end with their request context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.Bool("auth", authenticator.IsEnabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "validate the configuration and probe the inference backend",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "how long to wait for the inference backend",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging, c.Bool("debug"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			sources, err := resolveSources(ctx, cfg)
			if err != nil {
				return err
			}
			w := c.App.Writer
			fmt.Fprintf(w, "configuration ok, %d source(s)\n", len(sources))
			for _, s := range sources {
				fmt.Fprintf(w, "  [%d] %s %s (%s)\n", s.ID, s.Name, s.Locator, camera.Classify(s.Locator))
			}

			inf, err := detection.NewFactory(detectionConfig(cfg), logger)(ctx, pipeline.SourceConfig{})
			if err != nil {
				return fmt.Errorf("inference backend: %w", err)
			}
			if closer, ok := inf.(io.Closer); ok {
				_ = closer.Close()
			}
			fmt.Fprintf(w, "inference backend %s at %s is ready\n", cfg.Inference.Backend, cfg.Inference.Endpoint)
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the version",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, "antares", version)
			return nil
		},
	}
}
