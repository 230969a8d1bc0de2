package inference

import (
	"bytes"
	"context"
	"image/jpeg"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"framepipe/internal/detection"
	"framepipe/internal/frame"
)

// fakeModel answers Detect with fixed boxes and records what it received
type fakeModel struct {
	dets []detection.BoundingBox
	err  error

	mu       sync.Mutex
	width    int
	height   int
	frameSeq string
}

func (m *fakeModel) Detect(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if m.err != nil {
		return nil, m.err
	}
	img, err := jpeg.Decode(bytes.NewReader(in.GetValue()))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode image: %v", err)
	}

	m.mu.Lock()
	m.width = img.Bounds().Dx()
	m.height = img.Bounds().Dy()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-frame-seq"); len(v) > 0 {
			m.frameSeq = v[0]
		}
	}
	m.mu.Unlock()

	return EncodeDetections(m.dets)
}

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

func startModelServer(t *testing.T, model *fakeModel) (*health.Server, dialFunc) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, model)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dial := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	return hs, dial
}

func newTestEngine(t *testing.T, dial dialFunc, inputSize int) *GRPCEngine {
	t.Helper()
	engine, err := NewGRPCEngine(GRPCEngineConfig{
		Endpoint:  "passthrough:///bufnet",
		InputSize: inputSize,
		Timeout:   time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(dial),
		},
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func testFrame(shape frame.Shape, seq uint64) *frame.Frame {
	f := frame.New(shape)
	for i := range f.Pix {
		f.Pix[i] = byte(i)
	}
	f.Seq = seq
	f.Seal()
	return f
}

func TestGRPCEngineInfer(t *testing.T) {
	model := &fakeModel{dets: []detection.BoundingBox{
		{Label: 2, Box: [4]float32{4, 8, 12, 16}, Score: 0.75},
		{Label: 0, Box: [4]float32{0, 0, 32, 32}, Score: 0.5},
	}}
	_, dial := startModelServer(t, model)
	engine := newTestEngine(t, dial, 32)

	f := testFrame(frame.Shape{Width: 64, Height: 32, Channels: 3}, 17)
	dets, err := engine.Infer(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 32, model.width)
	assert.Equal(t, 32, model.height)
	assert.Equal(t, "17", model.frameSeq)

	// x scaled back by 64/32, y unchanged
	assert.Equal(t, []detection.BoundingBox{
		{Label: 2, Box: [4]float32{8, 8, 24, 16}, Score: 0.75},
		{Label: 0, Box: [4]float32{0, 0, 64, 32}, Score: 0.5},
	}, dets)
}

func TestGRPCEngineUnscaled(t *testing.T) {
	model := &fakeModel{dets: []detection.BoundingBox{{Label: 1, Box: [4]float32{1, 2, 3, 4}, Score: 0.9}}}
	_, dial := startModelServer(t, model)
	engine := newTestEngine(t, dial, 0)

	f := testFrame(frame.Shape{Width: 40, Height: 24, Channels: 3}, 1)
	dets, err := engine.Infer(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, 40, model.width)
	assert.Equal(t, 24, model.height)
	assert.Equal(t, model.dets, dets)
}

func TestGRPCEngineServerError(t *testing.T) {
	_, dial := startModelServer(t, &fakeModel{err: status.Error(codes.Unavailable, "model not loaded")})
	engine := newTestEngine(t, dial, 0)

	_, err := engine.Infer(context.Background(), testFrame(frame.Shape{Width: 8, Height: 8, Channels: 3}, 3))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.ErrorContains(t, err, "detect frame 3")
}

func TestGRPCEngineHealth(t *testing.T) {
	hs, dial := startModelServer(t, &fakeModel{})
	engine := newTestEngine(t, dial, 0)

	assert.True(t, engine.IsHealthy(context.Background()))

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	engine.markUnhealthy()
	assert.False(t, engine.IsHealthy(context.Background()))
}

func TestDecodeDetectionsRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing field", map[string]any{}},
		{"not a list", map[string]any{"detections": "none"}},
		{"not an object", map[string]any{"detections": []any{1.0}}},
		{"fractional label", map[string]any{"detections": []any{
			map[string]any{"label": 1.5, "score": 0.5, "box": []any{0.0, 0.0, 1.0, 1.0}},
		}}},
		{"short box", map[string]any{"detections": []any{
			map[string]any{"label": 1.0, "score": 0.5, "box": []any{0.0, 0.0, 1.0}},
		}}},
		{"string score", map[string]any{"detections": []any{
			map[string]any{"label": 1.0, "score": "high", "box": []any{0.0, 0.0, 1.0, 1.0}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.body)
			require.NoError(t, err)
			_, err = DecodeDetections(s)
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecodeEmpty(t *testing.T) {
	s, err := EncodeDetections(nil)
	require.NoError(t, err)

	dets, err := DecodeDetections(s)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestPreprocessorChannels(t *testing.T) {
	for _, channels := range []int{1, 3, 4} {
		p := NewPreprocessor(0, 0)
		f := testFrame(frame.Shape{Width: 16, Height: 8, Channels: channels}, 1)

		data, sx, sy, err := p.Encode(f)
		require.NoError(t, err, "channels %d", channels)
		assert.Equal(t, float32(1), sx)
		assert.Equal(t, float32(1), sy)

		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, 16, cfg.Width)
		assert.Equal(t, 8, cfg.Height)
	}

	_, _, _, err := NewPreprocessor(0, 0).Encode(testFrame(frame.Shape{Width: 2, Height: 2, Channels: 2}, 1))
	assert.Error(t, err)
}

func TestScaleBoxes(t *testing.T) {
	dets := []detection.BoundingBox{{Box: [4]float32{1, 2, 3, 4}}}
	ScaleBoxes(dets, 2, 0.5)
	assert.Equal(t, [4]float32{2, 1, 6, 2}, dets[0].Box)
}
