package camera

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"antares/internal/pipeline"
)

// Options configures the source adapters.
type Options struct {
	FFmpegPath      string
	FPS             int
	OpenTimeout     time.Duration
	ReadTimeout     time.Duration
	RestartAttempts int
	RestartDelay    time.Duration
	HTTPTimeout     time.Duration
	MaxFrameBytes   int64
	Logger          *zap.Logger
	Clock           clock.Clock
}

// DefaultOptions returns the capture defaults.
func DefaultOptions() Options {
	return Options{
		FFmpegPath:      "ffmpeg",
		FPS:             15,
		OpenTimeout:     15 * time.Second,
		ReadTimeout:     time.Second,
		RestartAttempts: 10,
		RestartDelay:    2 * time.Second,
		HTTPTimeout:     10 * time.Second,
		MaxFrameBytes:   16 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FFmpegPath == "" {
		o.FFmpegPath = d.FFmpegPath
	}
	if o.FPS <= 0 {
		o.FPS = d.FPS
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = d.OpenTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.RestartAttempts < 0 {
		o.RestartAttempts = 0
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = d.RestartDelay
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = d.HTTPTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = d.MaxFrameBytes
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// ErrDeviceNotFound is returned for a local device path that does not exist.
var ErrDeviceNotFound = errors.New("device not found")

// Kind is the adapter chosen for a locator.
type Kind string

const (
	KindStream   Kind = "stream"   // rtsp or http video stream through ffmpeg
	KindSnapshot Kind = "snapshot" // polled http still image
	KindDevice   Kind = "device"   // local V4L2 device through ffmpeg
)

// Classify picks the adapter for a locator.
func Classify(locator string) Kind {
	switch {
	case isHTTPImageEndpoint(locator):
		return KindSnapshot
	case isNetworkSource(locator):
		return KindStream
	default:
		return KindDevice
	}
}

// NewOpener returns a pipeline.SourceOpener that builds the matching adapter
// for each configured locator. Nothing is connected until Source.Open.
func NewOpener(opts Options) pipeline.SourceOpener {
	opts = opts.withDefaults()
	return func(cfg pipeline.SourceConfig) (pipeline.Source, error) {
		locator := strings.TrimSpace(cfg.Locator)
		if locator == "" {
			return nil, fmt.Errorf("source %d: empty locator", cfg.ID)
		}
		logger := opts.Logger.Named("camera").With(zap.Int("source_id", cfg.ID))

		switch Classify(locator) {
		case KindSnapshot:
			return NewSnapshotSource(cfg.ID, locator, opts, logger), nil
		case KindDevice:
			if !deviceExists(locator) {
				return nil, fmt.Errorf("%s: %w", locator, ErrDeviceNotFound)
			}
		}
		return NewFFmpegSource(cfg.ID, locator, cfg.Width, cfg.Height, opts, logger), nil
	}
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://") ||
		strings.HasPrefix(device, "rtsps://")
}

func isHTTPImageEndpoint(device string) bool {
	if !strings.HasPrefix(device, "http://") && !strings.HasPrefix(device, "https://") {
		return false
	}
	path := strings.ToLower(device)
	return strings.Contains(path, ".jpg") || strings.Contains(path, ".jpeg") ||
		strings.Contains(path, "image") || strings.Contains(path, "snapshot")
}

// deviceExists checks that a local camera device can be opened for reading.
func deviceExists(device string) bool {
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
