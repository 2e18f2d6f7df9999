package pipeline

import (
	"context"
	"errors"
)

// ErrNoFrame is returned by Source.Read when no frame is available yet.
// Workers treat it as transient and retry.
var ErrNoFrame = errors.New("no frame available")

// ErrUnknownSource is returned by registry accessors for an id that was not
// configured.
var ErrUnknownSource = errors.New("unknown source")

// Source produces raw frames for one configured locator.
type Source interface {
	// Open connects to the stream. A failure here is terminal for the worker
	// unless an open retry policy is configured.
	Open(ctx context.Context) error

	// Read returns the next frame or ErrNoFrame.
	Read(ctx context.Context) (Frame, error)

	// Close releases the underlying stream. Safe to call without Open.
	Close() error
}

// SourceOpener builds a Source for a config. It must not connect.
type SourceOpener func(cfg SourceConfig) (Source, error)

// Inferencer runs object detection on a frame and returns detections plus an
// annotated image. Implementations used in shared mode must be safe for
// concurrent use.
type Inferencer interface {
	Infer(ctx context.Context, frame Frame, opts InferOptions) (*InferenceResult, error)
}

// InferencerFactory builds the inference capability. In shared mode it is
// called once with a zero SourceConfig, otherwise once per source.
type InferencerFactory func(ctx context.Context, cfg SourceConfig) (Inferencer, error)

// Gauge samples host CPU and RAM load.
type Gauge interface {
	Sample(ctx context.Context) (Usage, error)
}

// GaugeFunc adapts a function to Gauge.
type GaugeFunc func(ctx context.Context) (Usage, error)

func (f GaugeFunc) Sample(ctx context.Context) (Usage, error) { return f(ctx) }
