// Package stream serves published frames to HTTP clients as MJPEG, single
// JPEG snapshots and binary websocket messages.
package stream

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"antares/internal/pipeline"
)

// DefaultPollInterval is how long a viewer waits before asking an empty
// mailbox again.
const DefaultPollInterval = 100 * time.Millisecond

// FrameSource is the read side of the pipeline registry.
type FrameSource interface {
	LatestFrame(id int) (pipeline.Frame, bool, error)
	PeekFrame(id int) (pipeline.Frame, bool, error)
}

// Options configures a Handler.
type Options struct {
	PollInterval time.Duration
	JPEGQuality  int
	Logger       *zap.Logger
}

// Handler serves the frames of every source in a registry.
type Handler struct {
	frames  FrameSource
	poll    time.Duration
	quality int
	logger  *zap.Logger
}

// NewHandler creates a Handler over frames.
func NewHandler(frames FrameSource, opts Options) *Handler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		frames:  frames,
		poll:    opts.PollInterval,
		quality: opts.JPEGQuality,
		logger:  opts.Logger.Named("stream"),
	}
}

// ServeMJPEG streams source id as multipart/x-mixed-replace until the client
// goes away. Each frame is taken from the mailbox, so concurrent MJPEG
// viewers of one source share its frames between them.
func (h *Handler) ServeMJPEG(w http.ResponseWriter, r *http.Request, id int) {
	if _, _, err := h.frames.PeekFrame(id); err != nil {
		writeSourceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.logger.With(zap.Int("source_id", id))
	logger.Debug("mjpeg client connected", zap.String("remote", r.RemoteAddr))
	defer logger.Debug("mjpeg client disconnected", zap.String("remote", r.RemoteAddr))

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		frame, ok, err := h.frames.LatestFrame(id)
		if err != nil {
			return
		}
		if ok {
			data, err := frame.JPEG(h.quality)
			if err != nil {
				logger.Debug("skipping frame", zap.Uint64("seq", frame.Seq), zap.Error(err))
			} else if err := writePart(w, data); err != nil {
				return
			} else {
				flusher.Flush()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ServeSnapshot writes the newest published frame of source id as a single
// JPEG without consuming it.
func (h *Handler) ServeSnapshot(w http.ResponseWriter, r *http.Request, id int) {
	frame, ok, err := h.frames.PeekFrame(id)
	if err != nil {
		writeSourceError(w, err)
		return
	}
	if !ok {
		http.Error(w, "no frame available yet", http.StatusServiceUnavailable)
		return
	}

	data, err := frame.JPEG(h.quality)
	if err != nil {
		h.logger.Warn("snapshot encode failed", zap.Int("source_id", id), zap.Error(err))
		http.Error(w, "failed to encode frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Header().Set("X-Frame-Seq", fmt.Sprint(frame.Seq))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func writeSourceError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrUnknownSource) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
