package inference

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"framepipe/internal/detection"
	"framepipe/internal/frame"
)

// GRPCEngineConfig holds configuration for the gRPC engine
type GRPCEngineConfig struct {
	Endpoint    string
	InputSize   int           // Model input edge in pixels, 0 sends frames unscaled
	JPEGQuality int           // 1-100, 0 for the default
	Timeout     time.Duration // Per request, 0 for the default
	DialOptions []grpc.DialOption
}

// DefaultRequestTimeout bounds one Detect call
const DefaultRequestTimeout = 2 * time.Second

// GRPCEngine runs detection on a remote model server over a unary RPC
type GRPCEngine struct {
	endpoint string
	timeout  time.Duration
	conn     *grpc.ClientConn
	logger   *zap.SugaredLogger

	mu  sync.Mutex // guards pre
	pre *Preprocessor

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// NewGRPCEngine creates a client for the model server. The connection is
// established lazily on the first call.
func NewGRPCEngine(config GRPCEngineConfig, logger *zap.SugaredLogger) (*GRPCEngine, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, config.DialOptions...)

	conn, err := grpc.NewClient(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("create inference client for %s: %w", config.Endpoint, err)
	}

	logger.Infow("Inference client created", "endpoint", config.Endpoint, "input_size", config.InputSize)

	return &GRPCEngine{
		endpoint: config.Endpoint,
		timeout:  timeout,
		conn:     conn,
		logger:   logger,
		pre:      NewPreprocessor(config.InputSize, config.JPEGQuality),
	}, nil
}

// Infer encodes f, calls Detect and maps the boxes back to frame space
func (e *GRPCEngine) Infer(ctx context.Context, f *frame.Frame) ([]detection.BoundingBox, error) {
	e.mu.Lock()
	data, sx, sy, err := e.pre.Encode(f)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	req := wrapperspb.Bytes(append([]byte(nil), data...))
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		"x-frame-seq", strconv.FormatUint(f.Seq, 10),
		"x-frame-width", strconv.Itoa(f.Shape.Width),
		"x-frame-height", strconv.Itoa(f.Shape.Height),
	)

	resp := new(structpb.Struct)
	if err := e.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		e.markUnhealthy()
		return nil, fmt.Errorf("detect frame %d: %w", f.Seq, err)
	}

	dets, err := DecodeDetections(resp)
	if err != nil {
		return nil, fmt.Errorf("decode detections for frame %d: %w", f.Seq, err)
	}
	ScaleBoxes(dets, sx, sy)
	return dets, nil
}

// IsHealthy checks the standard gRPC health service of the model server.
// A positive answer is cached for 30 seconds.
func (e *GRPCEngine) IsHealthy(ctx context.Context) bool {
	e.healthMu.RLock()
	if e.healthy && time.Since(e.lastHealth) < 30*time.Second {
		e.healthMu.RUnlock()
		return true
	}
	e.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(e.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		e.logger.Warnw("Inference health check failed", "endpoint", e.endpoint, "error", err)
	}

	e.healthMu.Lock()
	e.healthy = healthy
	e.lastHealth = time.Now()
	e.healthMu.Unlock()
	return healthy
}

func (e *GRPCEngine) markUnhealthy() {
	e.healthMu.Lock()
	e.healthy = false
	e.healthMu.Unlock()
}

func (e *GRPCEngine) Close() error {
	return e.conn.Close()
}

var _ Engine = (*GRPCEngine)(nil)
