package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// WorkerOptions tunes a SourceWorker. Zero values fall back to defaults.
type WorkerOptions struct {
	Logger *zap.Logger
	Clock  clock.Clock

	// OpenRetries is how many extra open attempts are made before the worker
	// gives up with StreamFailed. Zero means fail on the first error.
	OpenRetries    int
	OpenRetryDelay time.Duration

	// IdleBackoff is the pause after a read that produced no frame.
	IdleBackoff time.Duration
}

const (
	defaultIdleBackoff    = 10 * time.Millisecond
	defaultOpenRetryDelay = 2 * time.Second
)

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = defaultIdleBackoff
	}
	if o.OpenRetryDelay <= 0 {
		o.OpenRetryDelay = defaultOpenRetryDelay
	}
	if o.OpenRetries < 0 {
		o.OpenRetries = 0
	}
	return o
}

// SourceWorker runs the capture, inference and publish loop for one source.
// The loop goroutine is the only writer of the worker state; readers use the
// accessors from any goroutine.
type SourceWorker struct {
	cfg      SourceConfig
	source   Source
	infer    Inferencer
	gauge    Gauge
	opts     WorkerOptions
	logger   *zap.Logger
	mailbox  *FrameMailbox
	history  *MetricsHistory
	current  atomic.Pointer[PerformanceSnapshot]
	total    atomic.Uint64
	lastSeen atomic.Time

	meter fpsMeter

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	closeErr  error
}

// NewSourceWorker creates a worker in the Initializing state. It does not
// touch the source until Start.
func NewSourceWorker(cfg SourceConfig, source Source, infer Inferencer, gauge Gauge, opts WorkerOptions) *SourceWorker {
	opts = opts.withDefaults()
	w := &SourceWorker{
		cfg:     cfg,
		source:  source,
		infer:   infer,
		gauge:   gauge,
		opts:    opts,
		logger:  opts.Logger.With(zap.Int("source_id", cfg.ID), zap.String("source", cfg.Name)),
		mailbox: NewFrameMailbox(),
		history: NewMetricsHistory(),
		done:    make(chan struct{}),
	}
	w.current.Store(&PerformanceSnapshot{SourceID: cfg.ID, Status: statusInitializing()})
	return w
}

// Config returns the source configuration.
func (w *SourceWorker) Config() SourceConfig { return w.cfg }

// Mailbox returns the worker's frame mailbox.
func (w *SourceWorker) Mailbox() *FrameMailbox { return w.mailbox }

// History returns the worker's metrics history.
func (w *SourceWorker) History() *MetricsHistory { return w.history }

// Current returns the most recently published snapshot.
func (w *SourceWorker) Current() PerformanceSnapshot { return *w.current.Load() }

// Status returns the current status.
func (w *SourceWorker) Status() Status { return w.current.Load().Status }

// TotalDetections returns the cumulative detection count.
func (w *SourceWorker) TotalDetections() uint64 { return w.total.Load() }

// LastFrameTime returns when the last frame was processed successfully.
func (w *SourceWorker) LastFrameTime() time.Time { return w.lastSeen.Load() }

// Done is closed once the loop has exited.
func (w *SourceWorker) Done() <-chan struct{} { return w.done }

// Start launches the loop goroutine and returns immediately. Calls after the
// first are ignored.
func (w *SourceWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		go w.run(ctx)
	})
}

// Stop cancels the loop, waits for it to exit and returns the error from
// releasing the source. It is idempotent.
func (w *SourceWorker) Stop() error {
	w.stopOnce.Do(func() {
		started := true
		w.startOnce.Do(func() { started = false })
		if !started {
			w.closeErr = w.source.Close()
			w.setStatus(statusStopped())
			close(w.done)
			return
		}
		w.cancel()
		<-w.done
	})
	return w.closeErr
}

func (w *SourceWorker) run(ctx context.Context) {
	defer close(w.done)
	defer w.finish()

	if err := w.open(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("Failed to open source", zap.String("locator", w.cfg.Locator), zap.Error(err))
		w.setStatus(statusStreamFailed(err))
		return
	}
	w.logger.Info("Source opened", zap.String("locator", w.cfg.Locator))

	w.meter.reset(w.opts.Clock.Now())
	for ctx.Err() == nil {
		frame, err := w.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, ErrNoFrame) {
				w.fail(fmt.Errorf("read frame: %w", err))
			}
			sleepCtx(ctx, w.opts.Clock, w.opts.IdleBackoff)
			continue
		}

		if w.Status().State == StateInitializing {
			w.setStatus(statusRunning())
		}

		if err := w.process(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fail(err)
		}
	}
}

// open connects the source, retrying per the configured policy.
func (w *SourceWorker) open(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= w.opts.OpenRetries; attempt++ {
		if attempt > 0 {
			w.logger.Warn("Retrying source open",
				zap.Int("attempt", attempt),
				zap.Duration("delay", w.opts.OpenRetryDelay),
				zap.Error(err))
			if !sleepCtx(ctx, w.opts.Clock, w.opts.OpenRetryDelay) {
				return ctx.Err()
			}
		}
		if err = w.source.Open(ctx); err == nil {
			return nil
		}
	}
	return err
}

// process runs one frame through inference and publishes the result. Nothing
// is published and no detections are counted when it returns an error. A
// panic in an adapter is returned as an error.
func (w *SourceWorker) process(ctx context.Context, frame Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered panic while processing frame",
				zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	res, err := w.infer.Infer(ctx, frame, InferOptions{
		InputSize:  w.cfg.InputSize,
		Confidence: w.cfg.Confidence,
	})
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}

	now := w.opts.Clock.Now()
	fps := w.meter.measure(now)

	annotated := res.Annotated
	if annotated == nil {
		if annotated, err = frame.Decoded(); err != nil {
			return err
		}
	}
	display := resizeTo(annotated, w.cfg.Width, w.cfg.Height)

	usage, err := w.gauge.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample resources: %w", err)
	}

	count := len(res.Detections)
	total := w.total.Add(uint64(count))
	w.meter.mark(now, fps)
	w.lastSeen.Store(now)

	snap := &PerformanceSnapshot{
		SourceID:        w.cfg.ID,
		FPS:             fps,
		CPU:             usage.CPU,
		RAM:             usage.RAM,
		Detections:      count,
		TotalDetections: total,
		Status:          statusRunning(),
		Seq:             frame.Seq,
		Timestamp:       now,
	}
	if prev := w.current.Load().Status; prev.State == StateError {
		w.logger.Info("Source recovered", zap.String("previous", prev.Message))
	}
	w.current.Store(snap)
	w.history.Append(*snap)
	w.mailbox.Put(Frame{
		SourceID:  w.cfg.ID,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Image:     display,
	})
	return nil
}

func (w *SourceWorker) fail(err error) {
	prev := w.Status()
	if prev.State != StateError || prev.Message != err.Error() {
		w.logger.Warn("Frame processing failed", zap.Error(err))
	}
	w.setStatus(statusError(err))
}

// finish releases the source and records the final status.
func (w *SourceWorker) finish() {
	if err := w.source.Close(); err != nil {
		w.logger.Warn("Failed to close source", zap.Error(err))
		w.closeErr = err
	}
	if w.Status().State != StateStreamFailed {
		w.setStatus(statusStopped())
	}
	w.logger.Info("Worker stopped", zap.Uint64("total_detections", w.total.Load()))
}

// setStatus publishes a copy of the current snapshot with a new status.
func (w *SourceWorker) setStatus(s Status) {
	next := *w.current.Load()
	next.Status = s
	w.current.Store(&next)
}

// sleepCtx waits for d on clk or until ctx is done. It reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
