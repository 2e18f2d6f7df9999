package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"antares/internal/pipeline"
)

// ErrStreamEnded is returned by Read once ffmpeg exited and every restart
// attempt was used up.
var ErrStreamEnded = errors.New("stream ended")

// FFmpegSource reads MJPEG frames from an ffmpeg child process. Only the
// newest frame is kept, older unread frames are dropped.
type FFmpegSource struct {
	id      int
	locator string
	width   int
	height  int
	opts    Options
	logger  *zap.Logger

	latest chan []byte
	ready  chan struct{}
	exited chan error

	seq      atomic.Uint64
	restarts atomic.Int64
	ended    atomic.Error

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewFFmpegSource creates an unopened ffmpeg-backed source.
func NewFFmpegSource(id int, locator string, width, height int, opts Options, logger *zap.Logger) *FFmpegSource {
	opts = opts.withDefaults()
	if logger == nil {
		logger = opts.Logger
	}
	return &FFmpegSource{
		id:      id,
		locator: locator,
		width:   width,
		height:  height,
		opts:    opts,
		logger:  logger,
		latest:  make(chan []byte, 1),
		ready:   make(chan struct{}),
		exited:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Args returns the ffmpeg command line for the locator.
func (s *FFmpegSource) Args() []string {
	fps := strconv.Itoa(s.opts.FPS)
	switch {
	case strings.HasPrefix(s.locator, "rtsp://"), strings.HasPrefix(s.locator, "rtsps://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", s.locator,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fps,
			"-q:v", "5",
			"-",
		}
	case isNetworkSource(s.locator):
		return []string{
			"-i", s.locator,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fps,
			"-q:v", "5",
			"-",
		}
	default:
		args := []string{"-f", "v4l2"}
		if s.width > 0 && s.height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", s.width, s.height))
		}
		return append(args,
			"-framerate", fps,
			"-i", s.locator,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		)
	}
}

// Open starts ffmpeg and waits for the first frame. It fails if ffmpeg exits
// or no frame arrives within the open timeout.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("source %d already opened", s.id)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	go s.supervise(runCtx)

	timer := s.opts.Clock.Timer(s.opts.OpenTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		s.logger.Info("Capture started", zap.Strings("args", s.Args()))
		return nil
	case err := <-s.exited:
		return fmt.Errorf("open %s: %w", s.locator, err)
	case <-timer.C:
		return fmt.Errorf("open %s: no frame within %s", s.locator, s.opts.OpenTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read returns the newest frame. It reports pipeline.ErrNoFrame when nothing
// arrived within the read timeout, and ErrStreamEnded once restarts are
// exhausted.
func (s *FFmpegSource) Read(ctx context.Context) (pipeline.Frame, error) {
	if err := s.ended.Load(); err != nil {
		return pipeline.Frame{}, err
	}

	timer := s.opts.Clock.Timer(s.opts.ReadTimeout)
	defer timer.Stop()

	select {
	case data := <-s.latest:
		return pipeline.Frame{
			SourceID:  s.id,
			Seq:       s.seq.Inc(),
			Timestamp: s.opts.Clock.Now(),
			Data:      data,
		}, nil
	case <-timer.C:
		return pipeline.Frame{}, pipeline.ErrNoFrame
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	}
}

// Close kills ffmpeg and waits for the capture goroutine to exit.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	s.started = true
	s.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	<-s.done
	return nil
}

// Restarts returns how many times ffmpeg was restarted after the first open.
func (s *FFmpegSource) Restarts() int64 {
	return s.restarts.Load()
}

// supervise runs ffmpeg and restarts it when it exits after a successful
// open. Before the first frame any exit is reported to Open.
func (s *FFmpegSource) supervise(ctx context.Context) {
	defer close(s.done)

	opened := false
	attempts := 0
	for {
		gotFrame, err := s.runOnce(ctx, func() {
			if !opened {
				opened = true
				close(s.ready)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.EOF
		}
		if !opened {
			s.exited <- err
			return
		}
		if gotFrame {
			attempts = 0
		}
		if attempts >= s.opts.RestartAttempts {
			s.logger.Error("Capture ended, restart attempts exhausted",
				zap.Int("attempts", attempts), zap.Error(err))
			s.ended.Store(fmt.Errorf("%w: %v", ErrStreamEnded, err))
			return
		}
		attempts++
		s.restarts.Inc()
		s.logger.Warn("ffmpeg exited, restarting",
			zap.Int("attempt", attempts),
			zap.Duration("delay", s.opts.RestartDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-s.opts.Clock.After(s.opts.RestartDelay):
		}
	}
}

// runOnce runs a single ffmpeg process until it exits. onFrame is called for
// every complete frame from the capture goroutine.
func (s *FFmpegSource) runOnce(ctx context.Context, onFrame func()) (gotFrame bool, err error) {
	cmd := exec.CommandContext(ctx, s.opts.FFmpegPath, s.Args()...)
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start ffmpeg: %w", err)
	}

	lastLine := make(chan string, 1)
	go func() {
		var last string
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			last = scanner.Text()
			s.logger.Debug("ffmpeg", zap.String("line", last))
		}
		lastLine <- last
	}()

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 64*1024)
	for {
		n, rerr := stdout.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				gotFrame = true
				s.publish(frame)
				onFrame()
			}
			if int64(len(frameBuffer)) > s.opts.MaxFrameBytes {
				s.logger.Warn("Discarding unterminated frame", zap.Int("bytes", len(frameBuffer)))
				frameBuffer = frameBuffer[:0]
			}
		}
		if rerr != nil {
			break
		}
	}

	line := <-lastLine
	if werr := cmd.Wait(); werr != nil {
		if line != "" {
			return gotFrame, fmt.Errorf("ffmpeg: %w (%s)", werr, line)
		}
		return gotFrame, fmt.Errorf("ffmpeg: %w", werr)
	}
	return gotFrame, nil
}

// publish replaces any unread frame with data.
func (s *FFmpegSource) publish(data []byte) {
	select {
	case <-s.latest:
	default:
	}
	select {
	case s.latest <- data:
	default:
	}
}

var _ pipeline.Source = (*FFmpegSource)(nil)
