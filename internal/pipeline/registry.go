package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RegistryOptions configures a PipelineRegistry.
type RegistryOptions struct {
	Logger *zap.Logger

	// SharedInference builds a single Inferencer used by every worker.
	SharedInference bool

	Worker WorkerOptions
}

// PipelineRegistry owns one SourceWorker per configured source and serves
// read-only views of their state. Workers are indexed by source id.
type PipelineRegistry struct {
	opener SourceOpener
	gauge  Gauge
	opts   RegistryOptions
	logger *zap.Logger

	mu          sync.RWMutex
	workers     []*SourceWorker
	inferencers []Inferencer
	started     bool
}

// NewPipelineRegistry creates an empty registry.
func NewPipelineRegistry(opener SourceOpener, gauge Gauge, opts RegistryOptions) *PipelineRegistry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Worker.Logger == nil {
		opts.Worker.Logger = opts.Logger
	}
	return &PipelineRegistry{
		opener: opener,
		gauge:  gauge,
		opts:   opts,
		logger: opts.Logger.Named("registry"),
	}
}

// StartAll creates and starts one worker per config, ids following the
// slice order. It fails only when the inference capability cannot be built;
// in that case every worker already started is stopped again. A source that
// cannot be constructed becomes a worker that ends in StreamFailed.
func (r *PipelineRegistry) StartAll(ctx context.Context, configs []SourceConfig, factory InferencerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("registry already started")
	}

	var shared Inferencer
	if r.opts.SharedInference {
		inf, err := factory(ctx, SourceConfig{})
		if err != nil {
			return fmt.Errorf("create shared inferencer: %w", err)
		}
		shared = inf
		r.inferencers = append(r.inferencers, inf)
	}

	workers := make([]*SourceWorker, 0, len(configs))
	for i, cfg := range configs {
		cfg.ID = i

		inf := shared
		if inf == nil {
			var err error
			inf, err = factory(ctx, cfg)
			if err != nil {
				stopErr := stopWorkers(workers)
				stopErr = multierr.Append(stopErr, closeInferencers(r.inferencers))
				r.inferencers = nil
				if stopErr != nil {
					r.logger.Warn("Cleanup after failed start", zap.Error(stopErr))
				}
				return fmt.Errorf("create inferencer for source %d (%s): %w", cfg.ID, cfg.Name, err)
			}
			r.inferencers = append(r.inferencers, inf)
		}

		src, err := r.opener(cfg)
		if err != nil {
			src = failedSource{err: err}
		}

		w := NewSourceWorker(cfg, src, inf, r.gauge, r.opts.Worker)
		w.Start(ctx)
		workers = append(workers, w)
		r.logger.Info("Started source worker",
			zap.Int("source_id", cfg.ID),
			zap.String("source", cfg.Name),
			zap.String("locator", cfg.Locator))
	}

	r.workers = workers
	r.started = true
	return nil
}

// StopAll stops every worker and releases the inference backends. Errors from
// releasing sources and backends are combined.
func (r *PipelineRegistry) StopAll() error {
	r.mu.RLock()
	workers := r.workers
	r.mu.RUnlock()

	err := stopWorkers(workers)

	r.mu.Lock()
	err = multierr.Append(err, closeInferencers(r.inferencers))
	r.inferencers = nil
	r.mu.Unlock()

	r.logger.Info("Stopped all source workers", zap.Int("count", len(workers)))
	return err
}

func stopWorkers(workers []*SourceWorker) error {
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *SourceWorker) {
			defer wg.Done()
			if err := w.Stop(); err != nil {
				errs[i] = fmt.Errorf("stop source %d: %w", w.cfg.ID, err)
			}
		}(i, w)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

func closeInferencers(infs []Inferencer) error {
	var err error
	for _, inf := range infs {
		if c, ok := inf.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

func (r *PipelineRegistry) worker(id int) (*SourceWorker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= len(r.workers) {
		return nil, fmt.Errorf("source %d: %w", id, ErrUnknownSource)
	}
	return r.workers[id], nil
}

func (r *PipelineRegistry) snapshotWorkers() []*SourceWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers
}

// Len returns the number of configured sources.
func (r *PipelineRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Sources returns the configs of all sources in id order.
func (r *PipelineRegistry) Sources() []SourceConfig {
	workers := r.snapshotWorkers()
	out := make([]SourceConfig, len(workers))
	for i, w := range workers {
		out[i] = w.cfg
	}
	return out
}

// LatestFrame takes the newest annotated frame of a source. ok is false when
// no new frame was published since the last take.
func (r *PipelineRegistry) LatestFrame(id int) (f Frame, ok bool, err error) {
	w, err := r.worker(id)
	if err != nil {
		return Frame{}, false, err
	}
	f, ok = w.mailbox.Take()
	return f, ok, nil
}

// PeekFrame returns the newest annotated frame without consuming it.
func (r *PipelineRegistry) PeekFrame(id int) (f Frame, ok bool, err error) {
	w, err := r.worker(id)
	if err != nil {
		return Frame{}, false, err
	}
	f, ok = w.mailbox.Peek()
	return f, ok, nil
}

// CurrentMetrics returns the latest snapshot of a source, an Initializing
// placeholder until the first frame is processed.
func (r *PipelineRegistry) CurrentMetrics(id int) (PerformanceSnapshot, error) {
	w, err := r.worker(id)
	if err != nil {
		return PerformanceSnapshot{}, err
	}
	return w.Current(), nil
}

// MetricsHistory returns the history of a source, oldest first.
func (r *PipelineRegistry) MetricsHistory(id int) ([]PerformanceSnapshot, error) {
	w, err := r.worker(id)
	if err != nil {
		return nil, err
	}
	return w.history.Snapshot(), nil
}

// AllMetrics returns the current snapshot of every source in id order.
func (r *PipelineRegistry) AllMetrics() []PerformanceSnapshot {
	workers := r.snapshotWorkers()
	out := make([]PerformanceSnapshot, len(workers))
	for i, w := range workers {
		out[i] = w.Current()
	}
	return out
}

// AllHistory returns the history of every source in id order.
func (r *PipelineRegistry) AllHistory() [][]PerformanceSnapshot {
	workers := r.snapshotWorkers()
	out := make([][]PerformanceSnapshot, len(workers))
	for i, w := range workers {
		out[i] = w.history.Snapshot()
	}
	return out
}

// Summary aggregates the current metrics of all sources.
func (r *PipelineRegistry) Summary() Summary {
	return Summarize(r.AllMetrics())
}

// DroppedFrames returns how many annotated frames of a source were replaced
// before a reader took them.
func (r *PipelineRegistry) DroppedFrames(id int) (uint64, error) {
	w, err := r.worker(id)
	if err != nil {
		return 0, err
	}
	return w.mailbox.Dropped(), nil
}

// failedSource stands in for a source whose construction failed so the
// worker reports StreamFailed like any other open failure.
type failedSource struct {
	err error
}

func (s failedSource) Open(context.Context) error { return s.err }

func (s failedSource) Read(context.Context) (Frame, error) { return Frame{}, s.err }

func (s failedSource) Close() error { return nil }
