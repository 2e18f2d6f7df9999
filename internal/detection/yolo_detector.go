package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"antares/internal/pipeline"
)

// Limits on what the inference service may send back for one frame.
const (
	maxDetections    = 10000
	maxResponseBytes = 32 << 20
)

// YOLODetection is a single detection as returned by the inference service.
type YOLODetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// YOLOResult is the /detect response.
type YOLOResult struct {
	Detections      []YOLODetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// YOLOHealthResponse is the /health response.
type YOLOHealthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// YOLOClient talks to the HTTP YOLO inference service. It is safe for
// concurrent use by several workers.
type YOLOClient struct {
	endpoint       string
	client         *http.Client
	annotateRemote bool
	jpegQuality    int
	logger         *zap.Logger
}

// NewYOLOClient creates an HTTP inference client for cfg.Endpoint.
func NewYOLOClient(cfg Config, logger *zap.Logger) *YOLOClient {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YOLOClient{
		endpoint:       strings.TrimRight(cfg.Endpoint, "/"),
		client:         &http.Client{Timeout: cfg.Timeout},
		annotateRemote: cfg.AnnotateRemote,
		jpegQuality:    cfg.JPEGQuality,
		logger:         logger,
	}
}

// Health queries the service health endpoint.
func (c *YOLOClient) Health(ctx context.Context) (*YOLOHealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check YOLO health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("YOLO health check returned status %d", resp.StatusCode)
	}

	var health YOLOHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Ready fails unless the service reports a loaded model.
func (c *YOLOClient) Ready(ctx context.Context) error {
	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if !health.ModelLoaded {
		return fmt.Errorf("YOLO service at %s has no model loaded", c.endpoint)
	}
	c.logger.Info("YOLO service ready", zap.String("endpoint", c.endpoint), zap.String("device", health.Device))
	return nil
}

// Infer implements pipeline.Inferencer.
func (c *YOLOClient) Infer(ctx context.Context, frame pipeline.Frame, opts pipeline.InferOptions) (*pipeline.InferenceResult, error) {
	data, err := frame.JPEG(c.jpegQuality)
	if err != nil {
		return nil, err
	}
	if c.annotateRemote {
		return c.detectAnnotated(ctx, data, opts)
	}

	start := time.Now()
	result, err := c.detect(ctx, data, opts)
	if err != nil {
		return nil, err
	}

	detections := convertDetections(result.Detections)
	img, err := frame.Decoded()
	if err != nil {
		return nil, err
	}
	return &pipeline.InferenceResult{
		Detections:    detections,
		Annotated:     Annotate(img, detections),
		InferenceTime: inferenceTime(result.InferenceTimeMs, start),
	}, nil
}

func (c *YOLOClient) detect(ctx context.Context, data []byte, opts pipeline.InferOptions) (*YOLOResult, error) {
	resp, err := c.post(ctx, "/detect", data, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result YOLOResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode YOLO response: %w", err)
	}
	if len(result.Detections) > maxDetections {
		return nil, fmt.Errorf("YOLO response has %d detections, limit is %d", len(result.Detections), maxDetections)
	}
	return &result, nil
}

// detectAnnotated lets the service draw the overlays. Only the detection
// count is known in this mode.
func (c *YOLOClient) detectAnnotated(ctx context.Context, data []byte, opts pipeline.InferOptions) (*pipeline.InferenceResult, error) {
	start := time.Now()
	resp, err := c.post(ctx, "/detect/annotated?format=image", data, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	img, err := jpeg.Decode(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("decode annotated image: %w", err)
	}

	count := 0
	if s := resp.Header.Get("X-Detection-Count"); s != "" {
		count, err = strconv.Atoi(s)
		if err != nil || count < 0 || count > maxDetections {
			return nil, fmt.Errorf("invalid X-Detection-Count %q", s)
		}
	}
	var ms float32
	if s := resp.Header.Get("X-Inference-Time-Ms"); s != "" {
		if v, err := strconv.ParseFloat(s, 32); err == nil {
			ms = float32(v)
		}
	}

	return &pipeline.InferenceResult{
		Detections:    make([]pipeline.Detection, count),
		Annotated:     img,
		InferenceTime: inferenceTime(ms, start),
	}, nil
}

func (c *YOLOClient) post(ctx context.Context, path string, data []byte, opts pipeline.InferOptions) (*http.Response, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if opts.Confidence > 0 {
		w.WriteField("conf_threshold", fmt.Sprintf("%.3f", opts.Confidence))
	}
	if opts.InputSize > 0 {
		w.WriteField("imgsz", strconv.Itoa(opts.InputSize))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("YOLO request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("YOLO detection failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// Close releases idle connections.
func (c *YOLOClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func convertDetections(in []YOLODetection) []pipeline.Detection {
	out := make([]pipeline.Detection, 0, len(in))
	for _, d := range in {
		det := pipeline.Detection{Class: d.Class, Confidence: d.Confidence}
		if len(d.BBox) == 4 {
			det.BBox = pipeline.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
		}
		out = append(out, det)
	}
	return out
}

func inferenceTime(ms float32, start time.Time) time.Duration {
	if ms > 0 {
		return time.Duration(float64(ms) * float64(time.Millisecond))
	}
	return time.Since(start)
}

var _ pipeline.Inferencer = (*YOLOClient)(nil)
