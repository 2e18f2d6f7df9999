package detection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"antares/internal/pipeline"
)

// Backend names.
const (
	BackendHTTP = "http"
	BackendGRPC = "grpc"
)

// ErrModelNotFound is returned when the configured model artifact is missing.
var ErrModelNotFound = errors.New("model file not found")

// Config selects and configures the inference backend.
type Config struct {
	Backend        string
	Endpoint       string
	ModelPath      string // Must exist when set
	Timeout        time.Duration
	AnnotateRemote bool
	JPEGQuality    int
	SkipReadyCheck bool
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendHTTP
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 90
	}
	return c
}

type readyChecker interface {
	Ready(ctx context.Context) error
}

// NewFactory returns the pipeline.InferencerFactory for cfg. Every call
// verifies the model artifact and the backend readiness, so a failure here
// aborts pipeline start.
func NewFactory(cfg Config, logger *zap.Logger) pipeline.InferencerFactory {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("detection")

	return func(ctx context.Context, _ pipeline.SourceConfig) (pipeline.Inferencer, error) {
		if cfg.ModelPath != "" {
			if _, err := os.Stat(cfg.ModelPath); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrModelNotFound, cfg.ModelPath)
			}
		}

		var (
			inf pipeline.Inferencer
			err error
		)
		switch cfg.Backend {
		case BackendHTTP:
			inf = NewYOLOClient(cfg, logger)
		case BackendGRPC:
			inf, err = NewGRPCInferencer(cfg, logger)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
		}

		if !cfg.SkipReadyCheck {
			if err := inf.(readyChecker).Ready(ctx); err != nil {
				if c, ok := inf.(interface{ Close() error }); ok {
					c.Close()
				}
				return nil, fmt.Errorf("inference backend not ready: %w", err)
			}
		}
		return inf, nil
	}
}
