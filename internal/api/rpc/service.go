package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/analogdevicesinc/libm2k-sub001/internal/auth"
	"github.com/analogdevicesinc/libm2k-sub001/internal/calibration"
	"github.com/analogdevicesinc/libm2k-sub001/internal/interfaces"
	"github.com/analogdevicesinc/libm2k-sub001/internal/storage"
	"github.com/analogdevicesinc/libm2k-sub001/internal/stream"
	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

var methodPermissions = map[string]auth.Permission{
	GetStatusMethod:     auth.PermOperator,
	CalibrateMethod:     auth.PermTechnician,
	StreamSamplesMethod: auth.PermOperator,
}

type Service struct {
	lm          interfaces.LifecycleManager
	authService *auth.Service
	logger      *zap.Logger
}

func NewService(lm interfaces.LifecycleManager, authService *auth.Service, logger *zap.Logger) *Service {
	return &Service{lm: lm, authService: authService, logger: logger}
}

// NewGRPCServer returns a server with the instrument service registered
// behind the authentication interceptors.
func NewGRPCServer(svc *Service, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(svc.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(svc.StreamInterceptor()),
	)
	s := grpc.NewServer(opts...)
	RegisterInstrumentServer(s, svc)
	return s
}

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.lm.GetCurrentStatus(ctx))
}

// Calibrate runs a calibration and returns the resulting calibration status.
// Target is adc, dac or all; empty means all.
func (s *Service) Calibrate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cal := s.lm.Instrument().Calibration()
	if cal.Status().Running {
		return nil, status.Error(codes.Aborted, "a calibration is already running")
	}

	target := req.GetFields()["target"].GetStringValue()
	var err error
	switch target {
	case "adc":
		err = cal.CalibrateADC(ctx)
	case "dac":
		err = cal.CalibrateDAC(ctx)
	case "all", "":
		err = cal.CalibrateAll(ctx)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown calibration target %q", target)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(cal.Status())
}

// StreamSamples sends the frames of the session running on the requested
// source. Without one it starts a session with the request settings and
// stops it when the client goes away.
func (s *Service) StreamSamples(req *structpb.Struct, srv grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := srv.Context()
	fields := req.GetFields()
	src := stream.Source(fields["source"].GetStringValue())
	if src == "" {
		src = stream.SourceAnalog
	}

	sess, sub, owned, err := s.subscribe(ctx, src, fields)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()
	if owned {
		defer func() {
			if err := sess.Stop(); err != nil {
				s.logger.Warn("Failed to stop stream session", zap.Error(err))
			}
		}()
	}

	s.logger.Info("gRPC stream attached",
		zap.String("session_id", sess.ID().String()),
		zap.String("source", string(src)),
		zap.Bool("owned", owned))

	for {
		select {
		case f, ok := <-sub.C:
			if !ok {
				if err := sess.Err(); err != nil {
					return toStatus(err)
				}
				return nil
			}
			msg, err := toStruct(f)
			if err != nil {
				return err
			}
			if err := srv.Send(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// subscribe attaches to the active session on src, or starts one that the
// caller owns.
func (s *Service) subscribe(ctx context.Context, src stream.Source, fields map[string]*structpb.Value) (*stream.Session, *stream.Subscription, bool, error) {
	if sess, ok := s.lm.Streams().Active(src); ok {
		sub, err := sess.Subscribe()
		return sess, sub, false, err
	}
	def := s.lm.Config().Streaming
	cfg := stream.Config{
		SamplesPerFrame: def.SamplesPerFrame,
		MaxFrameRate:    def.MaxFrameRate,
		SubscriberDepth: def.SubscriberDepth,
		Archive:         def.Archive,
	}
	if v, ok := fields["samples_per_frame"]; ok {
		cfg.SamplesPerFrame = int(v.GetNumberValue())
	}
	if v, ok := fields["max_frame_rate"]; ok {
		cfg.MaxFrameRate = v.GetNumberValue()
	}
	if v, ok := fields["max_frames"]; ok {
		cfg.MaxFrames = uint64(v.GetNumberValue())
	}
	if cfg.SamplesPerFrame < 0 || cfg.MaxFrameRate < 0 {
		return nil, nil, false, types.InvalidParameter("rpc.StreamSamples", "stream settings must not be negative")
	}
	sess, sub, err := s.lm.Streams().StartSubscribed(ctx, src, cfg)
	if err != nil {
		return nil, nil, false, err
	}
	return sess, sub, true, nil
}

// UnaryInterceptor authenticates the call and checks its permission.
func (s *Service) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := s.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (s *Service) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := s.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context { return s.ctx }

func (s *Service) authorize(ctx context.Context, method string) (context.Context, error) {
	var token, userAgent string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			token, _ = auth.BearerToken(v[0])
		}
		if v := md.Get("user-agent"); len(v) > 0 {
			userAgent = v[0]
		}
	}
	if s.authService.Enabled() && token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	var addr string
	if p, ok := peer.FromContext(ctx); ok {
		addr = p.Addr.String()
	}

	principal, err := s.authService.Authenticate(ctx, token, addr, userAgent)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	if perm, ok := methodPermissions[method]; ok && !principal.Has(perm) {
		return nil, status.Errorf(codes.PermissionDenied, "%s requires %s", method, perm)
	}
	return auth.WithPrincipal(ctx, principal), nil
}

// CodeOf maps an error kind onto a gRPC status code.
func CodeOf(kind types.ErrorKind) codes.Code {
	switch kind {
	case types.KindInvalidParameter:
		return codes.InvalidArgument
	case types.KindOutOfRange:
		return codes.OutOfRange
	case types.KindTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, calibration.ErrCanceled), errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(CodeOf(types.KindOf(err)), err.Error())
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to encode response: %v", err))
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to encode response: %v", err))
	}
	return out, nil
}
