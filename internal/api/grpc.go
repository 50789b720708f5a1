package api

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bilbercode/gencam/internal/camera"
	"github.com/bilbercode/gencam/internal/driver"
	"github.com/bilbercode/gencam/internal/exposure"
	"github.com/bilbercode/gencam/internal/fault"
	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const eventBuffer = 256

type grpcAPI struct {
	mu     sync.RWMutex
	camera camera.Service
}

func NewGRPCAPI() CameraAPI {
	return &grpcAPI{}
}

func (g *grpcAPI) SetCameraService(service camera.Service) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.camera = service
}

func (g *grpcAPI) service() (camera.Service, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.camera == nil {
		return nil, status.Error(codes.Unavailable, "camera not ready")
	}
	return g.camera, nil
}

func (g *grpcAPI) GetInfo(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	info := svc.Info()
	params := make(map[string]interface{}, len(info.Parameters))
	for k, v := range info.Parameters {
		params[k] = v
	}
	out := map[string]interface{}{
		"makeAndModel": info.MakeAndModel,
		"parameters":   params,
	}
	if roi, err := svc.ROI(); err == nil {
		out["roi"] = roiMap(roi)
	}
	if f := svc.Fault(); f != nil {
		out["fault"] = faultMap(f)
	}
	return newStructOrError(out)
}

func (g *grpcAPI) TakeImages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	fields := in.GetFields()
	names, err := svc.TakeImages(ctx, camera.TakeImagesRequest{
		NumImages:   int(fields["numImages"].GetNumberValue()),
		ExpTime:     seconds(fields["expTime"]),
		Shutter:     fields["shutter"].GetBoolValue(),
		Sensors:     fields["sensors"].GetStringValue(),
		KeyValueMap: fields["keyValueMap"].GetStringValue(),
		ObsNote:     fields["obsNote"].GetStringValue(),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]interface{}, len(names))
	for i, n := range names {
		list[i] = n
	}
	return newStructOrError(map[string]interface{}{"imageNames": list})
}

func (g *grpcAPI) SetROI(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	fields := in.GetFields()
	return empty(svc.SetROI(driver.ROI{
		Top:    int(fields["top"].GetNumberValue()),
		Left:   int(fields["left"].GetNumberValue()),
		Width:  int(fields["width"].GetNumberValue()),
		Height: int(fields["height"].GetNumberValue()),
	}))
}

func (g *grpcAPI) SetFullFrame(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	return empty(svc.SetFullFrame())
}

func (g *grpcAPI) StartLiveView(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	return empty(svc.StartLiveView(ctx, seconds(in.GetFields()["expTime"])))
}

func (g *grpcAPI) StopLiveView(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	return empty(svc.StopLiveView())
}

func (g *grpcAPI) StartAutoExposure(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	fields := in.GetFields()
	return empty(svc.StartAutoExposure(ctx,
		seconds(fields["minExpTime"]),
		seconds(fields["maxExpTime"]),
		fields["configuration"].GetStringValue()))
}

func (g *grpcAPI) StopAutoExposure(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	return empty(svc.StopAutoExposure())
}

// StartStreamingMode takes expTime in seconds and an optional tags struct
// added to every frame header.
func (g *grpcAPI) StartStreamingMode(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	fields := in.GetFields()
	static := headerTags(fields["tags"].GetStructValue())
	return empty(svc.StartStreamingMode(ctx, seconds(fields["expTime"]), static))
}

// headerTags turns a tags struct into header tags sorted by name.
func headerTags(s *structpb.Struct) exposure.Tags {
	fields := s.GetFields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var tags exposure.Tags
	for _, name := range names {
		tags = tags.With(name, fields[name].AsInterface())
	}
	return tags
}

func (g *grpcAPI) StopStreamingMode(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	return empty(svc.StopStreamingMode())
}

func (g *grpcAPI) ClearFault(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	return empty(svc.ClearFault())
}

// Events streams every camera event until the client goes away. A client
// that cannot keep up loses events rather than stalling the camera.
func (g *grpcAPI) Events(_ *emptypb.Empty, stream grpc.ServerStream) error {
	svc, err := g.service()
	if err != nil {
		return err
	}
	ctx := stream.Context()
	events := make(chan *camera.Event, eventBuffer)
	unsubscribe := svc.Subscribe(func(e *camera.Event) {
		select {
		case events <- e:
		default:
			log.Warnf("dropping %s event for slow subscriber", e.Type)
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			msg, err := eventStruct(e)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func seconds(v *structpb.Value) time.Duration {
	return time.Duration(v.GetNumberValue() * float64(time.Second))
}

func empty(err error) (*emptypb.Empty, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func newStructOrError(m map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %s", err)
	}
	return s, nil
}

// toStatus maps service errors onto grpc codes. Faults carry their code and
// traceback as details.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, camera.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, camera.ErrNotSupported):
		code = codes.Unimplemented
	case errors.Is(err, fault.ErrSequencerBusy),
		errors.Is(err, camera.ErrFaultState),
		errors.Is(err, camera.ErrNotActive):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}

	st := status.New(code, err.Error())
	fc := fault.CodeOf(err)
	info := &errdetails.ErrorInfo{
		Reason:   fc.String(),
		Domain:   "gencam",
		Metadata: map[string]string{"code": strconv.Itoa(int(fc))},
	}
	var f *fault.Fault
	var withDetails *status.Status
	var derr error
	if errors.As(err, &f) {
		withDetails, derr = st.WithDetails(info, &errdetails.DebugInfo{Detail: f.Report, StackEntries: []string{f.Traceback}})
	} else {
		withDetails, derr = st.WithDetails(info)
	}
	if derr != nil {
		return st.Err()
	}
	return withDetails.Err()
}

func roiMap(roi driver.ROI) map[string]interface{} {
	return map[string]interface{}{
		"top":    roi.Top,
		"left":   roi.Left,
		"width":  roi.Width,
		"height": roi.Height,
	}
}

func faultMap(f *fault.Fault) map[string]interface{} {
	m := map[string]interface{}{
		"code":      int(f.Code),
		"report":    f.Report,
		"traceback": f.Traceback,
	}
	if f.Err != nil {
		m["error"] = f.Err.Error()
	}
	return m
}

func eventStruct(e *camera.Event) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"type": string(e.Type),
		"time": e.Time.UTC().Format(time.RFC3339Nano),
	}
	set := func(key string, v interface{}, ok bool) {
		if ok {
			m[key] = v
		}
	}
	set("expTime", e.ExpTime.Seconds(), e.ExpTime != 0)
	set("imageIndex", e.ImageIndex, e.ImageIndex != 0)
	set("numImages", e.NumImages, e.NumImages != 0)
	set("imageName", e.ImageName, e.ImageName != "")
	set("imageSource", e.ImageSource, e.ImageSource != "")
	set("imageController", e.ImageController, e.ImageController != "")
	set("imageNumber", e.ImageNumber, e.ImageNumber != 0)
	set("imageDate", e.ImageDate, e.ImageDate != "")
	for key, ts := range map[string]time.Time{
		"timestampAcquisitionStart": e.AcquisitionStart,
		"timestampAcquisitionEnd":   e.IntegrationEnd,
		"timestampStartOfReadout":   e.ReadoutStart,
		"timestampEndOfReadout":     e.ReadoutEnd,
	} {
		set(key, ts.UTC().Format(time.RFC3339Nano), !ts.IsZero())
	}
	set("path", e.Path, e.Path != "")
	set("additionalKeys", e.AdditionalKeys, e.AdditionalKeys != "")
	set("additionalValues", e.AdditionalValues, e.AdditionalValues != "")
	set("obsNote", e.ObsNote, e.ObsNote != "")
	set("addr", e.Addr, e.Addr != "")
	set("minExpTime", e.MinExpTime.Seconds(), e.MinExpTime != 0)
	set("maxExpTime", e.MaxExpTime.Seconds(), e.MaxExpTime != 0)
	set("configuration", e.Config, e.Config != "")
	if e.ROI != nil {
		m["roi"] = roiMap(*e.ROI)
	}
	if e.Info != nil {
		params := make(map[string]interface{}, len(e.Info.Parameters))
		for k, v := range e.Info.Parameters {
			params[k] = v
		}
		m["makeAndModel"] = e.Info.MakeAndModel
		m["parameters"] = params
	}
	if e.Fault != nil {
		m["fault"] = faultMap(e.Fault)
	}
	return structpb.NewStruct(m)
}
