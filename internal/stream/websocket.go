package stream

import (
	"encoding/binary"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"antares/internal/pipeline"
)

// Binary frame message: 1 byte kind, 8 bytes sequence, 4 bytes length, JPEG.
const (
	frameHeaderSize = 13
	kindAnnotated   = 1
)

const frameWriteWait = time.Second

var frameUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// EncodeFrameMessage builds the binary websocket payload for one frame.
func EncodeFrameMessage(seq uint64, jpeg []byte) []byte {
	msg := make([]byte, frameHeaderSize+len(jpeg))
	msg[0] = kindAnnotated
	binary.BigEndian.PutUint64(msg[1:9], seq)
	binary.BigEndian.PutUint32(msg[9:13], uint32(len(jpeg)))
	copy(msg[frameHeaderSize:], jpeg)
	return msg
}

// ServeWebSocket pushes each new published frame of source id as a binary
// message. Frames are peeked, so websocket viewers never steal frames from
// MJPEG viewers.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, id int) {
	if _, _, err := h.frames.PeekFrame(id); err != nil {
		writeSourceError(w, err)
		return
	}

	conn, err := frameUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.Int("source_id", id))
	logger.Debug("video websocket connected", zap.String("remote", r.RemoteAddr))

	// The client never sends anything useful, but reads are needed to see
	// the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		frame, ok, err := h.frames.PeekFrame(id)
		if err != nil {
			return
		}
		if !ok || frame.Seq == lastSeq {
			continue
		}
		data, err := frame.JPEG(h.quality)
		if err != nil {
			logger.Debug("skipping frame", zap.Uint64("seq", frame.Seq), zap.Error(err))
			continue
		}
		lastSeq = frame.Seq

		_ = conn.SetWriteDeadline(time.Now().Add(frameWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrameMessage(frame.Seq, data)); err != nil {
			logger.Debug("video websocket write failed", zap.Error(err))
			return
		}
	}
}

// DecodeFrameMessage splits a binary frame message into its sequence number
// and JPEG payload.
func DecodeFrameMessage(msg []byte) (seq uint64, jpeg []byte, ok bool) {
	if len(msg) < frameHeaderSize || msg[0] != kindAnnotated {
		return 0, nil, false
	}
	n := binary.BigEndian.Uint32(msg[9:13])
	if int(n) != len(msg)-frameHeaderSize {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(msg[1:9]), msg[frameHeaderSize:], true
}

var _ FrameSource = (*pipeline.PipelineRegistry)(nil)
