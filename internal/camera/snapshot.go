package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"antares/internal/pipeline"
)

// SnapshotSource polls an HTTP endpoint that returns a single JPEG per
// request.
type SnapshotSource struct {
	id       int
	url      string
	client   *http.Client
	interval time.Duration
	maxBytes int64
	clock    clock.Clock
	logger   *zap.Logger

	seq     atomic.Uint64
	pending []byte
	next    time.Time
}

// NewSnapshotSource creates an unopened polling source. The poll interval
// follows the configured fps, never faster than 10 requests per second.
func NewSnapshotSource(id int, url string, opts Options, logger *zap.Logger) *SnapshotSource {
	opts = opts.withDefaults()
	if logger == nil {
		logger = opts.Logger
	}
	interval := time.Second / time.Duration(opts.FPS)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &SnapshotSource{
		id:       id,
		url:      url,
		client:   &http.Client{Timeout: opts.HTTPTimeout},
		interval: interval,
		maxBytes: opts.MaxFrameBytes,
		clock:    opts.Clock,
		logger:   logger,
	}
}

// Open fetches the first image. The endpoint must answer with a JPEG.
func (s *SnapshotSource) Open(ctx context.Context) error {
	data, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.url, err)
	}
	s.pending = data
	s.next = s.clock.Now().Add(s.interval)
	s.logger.Info("Snapshot polling started", zap.String("url", s.url), zap.Duration("interval", s.interval))
	return nil
}

// Read returns the frame fetched by Open first, then one fresh image per poll
// interval.
func (s *SnapshotSource) Read(ctx context.Context) (pipeline.Frame, error) {
	if s.pending != nil {
		data := s.pending
		s.pending = nil
		return s.frame(data), nil
	}

	if wait := s.next.Sub(s.clock.Now()); wait > 0 {
		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pipeline.Frame{}, ctx.Err()
		case <-timer.C:
		}
	}
	s.next = s.clock.Now().Add(s.interval)

	data, err := s.fetch(ctx)
	if err != nil {
		return pipeline.Frame{}, err
	}
	return s.frame(data), nil
}

// Close releases idle connections.
func (s *SnapshotSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *SnapshotSource) frame(data []byte) pipeline.Frame {
	return pipeline.Frame{
		SourceID:  s.id,
		Seq:       s.seq.Inc(),
		Timestamp: s.clock.Now(),
		Data:      data,
	}
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("fetch snapshot: image exceeds %d bytes", s.maxBytes)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("fetch snapshot: response is not a JPEG")
	}
	return data, nil
}

var _ pipeline.Source = (*SnapshotSource)(nil)
