package inference

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"framepipe/internal/detection"
)

// Wire contract of the model server. The request carries one JPEG image;
// the response is a struct with a "detections" list of
// {"label": n, "box": [x1, y1, x2, y2], "score": s} in request image pixels.
const (
	ServiceName  = "framepipe.inference.v1.Inference"
	DetectMethod = "/" + ServiceName + "/Detect"
)

// Server is implemented by model servers speaking the detection contract
type Server interface {
	Detect(ctx context.Context, image *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// RegisterServer registers srv on s under the Inference service name
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Detect",
			Handler:    detectHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "framepipe/inference/v1/inference.proto",
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DetectMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// EncodeDetections builds the response message for dets
func EncodeDetections(dets []detection.BoundingBox) (*structpb.Struct, error) {
	list := make([]any, 0, len(dets))
	for _, d := range dets {
		list = append(list, map[string]any{
			"label": float64(d.Label),
			"box":   []any{float64(d.Box[0]), float64(d.Box[1]), float64(d.Box[2]), float64(d.Box[3])},
			"score": float64(d.Score),
		})
	}
	return structpb.NewStruct(map[string]any{"detections": list})
}

// DecodeDetections parses a response message into bounding boxes
func DecodeDetections(resp *structpb.Struct) ([]detection.BoundingBox, error) {
	field, ok := resp.GetFields()["detections"]
	if !ok {
		return nil, fmt.Errorf("response has no detections field")
	}
	list := field.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("detections is not a list")
	}

	dets := make([]detection.BoundingBox, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}

		label, ok := number(fields["label"])
		if !ok || label != math.Trunc(label) {
			return nil, fmt.Errorf("detection %d: invalid label", i)
		}
		score, ok := number(fields["score"])
		if !ok {
			return nil, fmt.Errorf("detection %d: invalid score", i)
		}
		coords := fields["box"].GetListValue().GetValues()
		if len(coords) != 4 {
			return nil, fmt.Errorf("detection %d: box needs 4 coordinates, got %d", i, len(coords))
		}

		d := detection.BoundingBox{Label: int(label), Score: float32(score)}
		for k, c := range coords {
			x, ok := number(c)
			if !ok {
				return nil, fmt.Errorf("detection %d: invalid box coordinate %d", i, k)
			}
			d.Box[k] = float32(x)
		}
		dets = append(dets, d)
	}
	return dets, nil
}

func number(v *structpb.Value) (float64, bool) {
	if v == nil {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}
