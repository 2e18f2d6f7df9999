package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antares/internal/pipeline"
)

// fakeFrames serves queued frames for source 0 and knows no other source.
type fakeFrames struct {
	mu     sync.Mutex
	queue  []pipeline.Frame
	latest *pipeline.Frame
	onIdle func()
}

func (f *fakeFrames) push(fr pipeline.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fr)
	f.latest = &fr
}

func (f *fakeFrames) LatestFrame(id int) (pipeline.Frame, bool, error) {
	if id != 0 {
		return pipeline.Frame{}, false, fmt.Errorf("source %d: %w", id, pipeline.ErrUnknownSource)
	}
	f.mu.Lock()
	if len(f.queue) == 0 {
		onIdle := f.onIdle
		f.mu.Unlock()
		if onIdle != nil {
			onIdle()
		}
		return pipeline.Frame{}, false, nil
	}
	fr := f.queue[0]
	f.queue = f.queue[1:]
	f.mu.Unlock()
	return fr, true, nil
}

func (f *fakeFrames) PeekFrame(id int) (pipeline.Frame, bool, error) {
	if id != 0 {
		return pipeline.Frame{}, false, fmt.Errorf("source %d: %w", id, pipeline.ErrUnknownSource)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return pipeline.Frame{}, false, nil
	}
	return *f.latest, true, nil
}

func imageFrame(seq uint64) pipeline.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for x := 0; x < 16; x++ {
		img.Set(x, 4, color.RGBA{R: 255, A: 255})
	}
	return pipeline.Frame{Seq: seq, Image: img, Timestamp: time.Now()}
}

func TestServeMJPEG_WritesFramesUntilClientLeaves(t *testing.T) {
	frames := &fakeFrames{}
	frames.push(imageFrame(1))
	frames.push(imageFrame(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames.onIdle = cancel

	h := NewHandler(frames, Options{PollInterval: time.Millisecond})
	req := httptest.NewRequest(http.MethodGet, "/video_feed/0", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	h.ServeMJPEG(w, req, 0)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", w.Header().Get("Content-Type"))

	body := w.Body.Bytes()
	assert.Equal(t, 2, bytes.Count(body, []byte("--frame\r\n")))

	mr := multipart.NewReader(bytes.NewReader(body), "frame")
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	data, err := io.ReadAll(part)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestServeMJPEG_UnknownSource(t *testing.T) {
	h := NewHandler(&fakeFrames{}, Options{})
	w := httptest.NewRecorder()
	h.ServeMJPEG(w, httptest.NewRequest(http.MethodGet, "/video_feed/7", nil), 7)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeSnapshot(t *testing.T) {
	frames := &fakeFrames{}
	h := NewHandler(frames, Options{})

	w := httptest.NewRecorder()
	h.ServeSnapshot(w, httptest.NewRequest(http.MethodGet, "/snapshot/0", nil), 0)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	frames.push(imageFrame(5))
	w = httptest.NewRecorder()
	h.ServeSnapshot(w, httptest.NewRequest(http.MethodGet, "/snapshot/0", nil), 0)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "5", w.Header().Get("X-Frame-Seq"))
	_, err := jpeg.Decode(w.Body)
	require.NoError(t, err)

	// Peeking leaves the frame for MJPEG viewers.
	_, ok, err := frames.LatestFrame(0)
	require.NoError(t, err)
	assert.True(t, ok)

	w = httptest.NewRecorder()
	h.ServeSnapshot(w, httptest.NewRequest(http.MethodGet, "/snapshot/3", nil), 3)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFrameMessage_RoundTrip(t *testing.T) {
	msg := EncodeFrameMessage(42, []byte{0xFF, 0xD8, 0xFF, 0xD9})
	assert.Len(t, msg, frameHeaderSize+4)

	seq, data, ok := DecodeFrameMessage(msg)
	require.True(t, ok)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, data)

	_, _, ok = DecodeFrameMessage(msg[:10])
	assert.False(t, ok)
	_, _, ok = DecodeFrameMessage(msg[:len(msg)-1])
	assert.False(t, ok)
}

func TestServeWebSocket_PushesNewFrames(t *testing.T) {
	frames := &fakeFrames{}
	frames.push(imageFrame(1))
	h := NewHandler(frames, Options{PollInterval: 5 * time.Millisecond})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebSocket(w, r, 0)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	seq, data, ok := DecodeFrameMessage(msg)
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	_, err = jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	frames.push(imageFrame(2))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	seq, _, ok = DecodeFrameMessage(msg)
	require.True(t, ok)
	assert.Equal(t, uint64(2), seq, "unchanged frames are not resent")
}
