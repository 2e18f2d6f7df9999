package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"antares/internal/pipeline"
)

const (
	// InferenceService is the gRPC service name probed by the health check.
	InferenceService = "antares.inference.v1.InferenceService"
	detectMethod     = "/" + InferenceService + "/Detect"
)

// GRPCInferencer calls a unary Detect method. The request carries the JPEG
// frame as a BytesValue and the options as metadata; the reply is a Struct
// shaped like the HTTP /detect response.
type GRPCInferencer struct {
	endpoint    string
	conn        *grpc.ClientConn
	timeout     time.Duration
	jpegQuality int
	logger      *zap.Logger
}

// NewGRPCInferencer creates a client for cfg.Endpoint. The connection is
// established lazily; call Ready to verify the service.
func NewGRPCInferencer(cfg Config, logger *zap.Logger, extra ...grpc.DialOption) (*GRPCInferencer, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, extra...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", cfg.Endpoint, err)
	}
	return &GRPCInferencer{
		endpoint:    cfg.Endpoint,
		conn:        conn,
		timeout:     cfg.Timeout,
		jpegQuality: cfg.JPEGQuality,
		logger:      logger,
	}, nil
}

// Ready checks the standard gRPC health service for the inference service.
func (g *GRPCInferencer) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(g.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: InferenceService})
	if err != nil {
		return fmt.Errorf("gRPC health check %s: %w", g.endpoint, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("gRPC inference service at %s is %s", g.endpoint, resp.GetStatus())
	}
	g.logger.Info("gRPC inference service ready", zap.String("endpoint", g.endpoint))
	return nil
}

// Infer implements pipeline.Inferencer.
func (g *GRPCInferencer) Infer(ctx context.Context, frame pipeline.Frame, opts pipeline.InferOptions) (*pipeline.InferenceResult, error) {
	data, err := frame.JPEG(g.jpegQuality)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		"conf-threshold", strconv.FormatFloat(opts.Confidence, 'f', 3, 64),
		"imgsz", strconv.Itoa(opts.InputSize),
	)

	start := time.Now()
	reply := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, detectMethod, wrapperspb.Bytes(data), reply); err != nil {
		return nil, fmt.Errorf("gRPC detect: %w", err)
	}

	result, err := decodeStructResult(reply)
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

// Close closes the client connection.
func (g *GRPCInferencer) Close() error {
	return g.conn.Close()
}

// decodeStructResult maps the Struct reply onto YOLOResult through its JSON
// form.
func decodeStructResult(s *structpb.Struct) (*YOLOResult, error) {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("encode detect reply: %w", err)
	}
	var result YOLOResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode detect reply: %w", err)
	}
	if len(result.Detections) > maxDetections {
		return nil, fmt.Errorf("detect reply has %d detections, limit is %d", len(result.Detections), maxDetections)
	}
	return &result, nil
}

var _ pipeline.Inferencer = (*GRPCInferencer)(nil)
