package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"
)

// SourceConfig describes one configured video source. It is immutable once
// the registry has started.
type SourceConfig struct {
	ID         int     // Position in the configured source list
	Name       string  // Human readable label
	Locator    string  // Opaque connection string (rtsp://, http://, /dev/video0)
	Width      int     // Display width of published frames
	Height     int     // Display height of published frames
	Confidence float64 // Inference confidence threshold [0-1]
	InputSize  int     // Inference input size in pixels
}

// State is the coarse lifecycle state of a source worker.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateStreamFailed
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateStreamFailed:
		return "StreamFailed"
	case StateError:
		return "Error"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is the worker state plus the failure message for Error and
// StreamFailed.
type Status struct {
	State   State
	Message string
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s.State == StateStreamFailed || s.State == StateStopped
}

// String renders the status label served to clients. Only Error carries its
// message in the label.
func (s Status) String() string {
	if s.State == StateError {
		return "Error: " + s.Message
	}
	return s.State.String()
}

// MarshalText lets a Status be used directly in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a label produced by String.
func (s *Status) UnmarshalText(text []byte) error {
	label := string(text)
	if msg, ok := strings.CutPrefix(label, "Error: "); ok {
		*s = Status{State: StateError, Message: msg}
		return nil
	}
	for st := StateInitializing; st <= StateStopped; st++ {
		if st.String() == label {
			*s = Status{State: st}
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", label)
}

func statusInitializing() Status { return Status{State: StateInitializing} }
func statusRunning() Status      { return Status{State: StateRunning} }
func statusStopped() Status      { return Status{State: StateStopped} }

func statusError(err error) Status {
	return Status{State: StateError, Message: err.Error()}
}

func statusStreamFailed(err error) Status {
	return Status{State: StateStreamFailed, Message: err.Error()}
}

// PerformanceSnapshot is the immutable per-frame telemetry of one source.
type PerformanceSnapshot struct {
	SourceID        int       `json:"source_id"`
	FPS             float64   `json:"fps"`
	CPU             float64   `json:"cpu"`
	RAM             float64   `json:"ram"`
	Detections      int       `json:"detections"`
	TotalDetections uint64    `json:"total_detections"`
	Status          Status    `json:"status"`
	Seq             uint64    `json:"seq"`
	Timestamp       time.Time `json:"timestamp"`
}

// Frame is a single captured or annotated video frame. Sources fill Data with
// the encoded JPEG, the worker publishes annotated frames with Image set.
type Frame struct {
	SourceID  int
	Seq       uint64
	Timestamp time.Time
	Data      []byte      // JPEG bytes, may be nil
	Image     image.Image // Decoded pixels, may be nil
}

// Decoded returns the frame pixels, decoding Data when needed.
func (f Frame) Decoded() (image.Image, error) {
	if f.Image != nil {
		return f.Image, nil
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("frame %d has no data", f.Seq)
	}
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", f.Seq, err)
	}
	return img, nil
}

// JPEG returns the frame encoded as JPEG, encoding Image when needed.
func (f Frame) JPEG(quality int) ([]byte, error) {
	if f.Image == nil {
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("frame %d has no data", f.Seq)
		}
		return f.Data, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", f.Seq, err)
	}
	return buf.Bytes(), nil
}

// BBox is a bounding box in pixel coordinates of the inference input frame.
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Detection is a single object detection result.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// InferOptions carries the per-source inference parameters.
type InferOptions struct {
	InputSize  int
	Confidence float64
}

// InferenceResult is what an Inferencer returns for one frame.
type InferenceResult struct {
	Detections    []Detection
	Annotated     image.Image // Frame with overlays, nil means use the input frame
	InferenceTime time.Duration
}

// Usage is one host resource sample in percent.
type Usage struct {
	CPU float64
	RAM float64
}
