// server.go implements the gRPC control surface of a running engine.

// Package control exposes the diagnostics and the maintenance operations
// of a slow-motion engine over gRPC, for tooling attached to a running
// process.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/secret"
	"github.com/xaionaro-go/slowmo/logger"
	"github.com/xaionaro-go/slowmo/statemachine"
	"github.com/xaionaro-go/slowmo/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "slowmo.Control"

	authorizationHeader = "authorization"
	bearerPrefix        = "Bearer "
)

// Controller is the part of the engine the control surface drives.
type Controller interface {
	Stats(ctx context.Context) types.Statistics
	State(ctx context.Context) statemachine.State
	DumpState(ctx context.Context) string
	QueueSizes(ctx context.Context) map[string]int
	CheckIntegrity(ctx context.Context) error
	Flush(ctx context.Context) error
	RecoverAccelerator(ctx context.Context) error
}

type controlService interface {
	controller() Controller
}

type Server struct {
	Controller Controller

	// Token is required from the clients unless it is empty.
	Token secret.String
}

var _ controlService = (*Server)(nil)

func NewServer(controller Controller, token secret.String) *Server {
	return &Server{
		Controller: controller,
		Token:      token,
	}
}

func (s *Server) controller() Controller {
	return s.Controller
}

func unary[R proto.Message](
	method string,
	fn func(ctx context.Context, c Controller) (R, error),
) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(
			srv any,
			ctx context.Context,
			dec func(any) error,
			interceptor grpc.UnaryServerInterceptor,
		) (any, error) {
			in := &emptypb.Empty{}
			if err := dec(in); err != nil {
				return nil, err
			}
			c := srv.(controlService).controller()
			handler := func(ctx context.Context, _ any) (any, error) {
				return fn(ctx, c)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlService)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStats", func(ctx context.Context, c Controller) (*structpb.Struct, error) {
			return statsToStruct(c.Stats(ctx))
		}),
		unary("GetState", func(ctx context.Context, c Controller) (*wrapperspb.StringValue, error) {
			return wrapperspb.String(c.State(ctx).String()), nil
		}),
		unary("DumpState", func(ctx context.Context, c Controller) (*wrapperspb.StringValue, error) {
			return wrapperspb.String(c.DumpState(ctx)), nil
		}),
		unary("GetQueueSizes", func(ctx context.Context, c Controller) (*structpb.Struct, error) {
			m := map[string]any{}
			for name, size := range c.QueueSizes(ctx) {
				m[name] = size
			}
			return structpb.NewStruct(m)
		}),
		unary("CheckIntegrity", func(ctx context.Context, c Controller) (*emptypb.Empty, error) {
			if err := c.CheckIntegrity(ctx); err != nil {
				return nil, status.Error(codes.DataLoss, err.Error())
			}
			return &emptypb.Empty{}, nil
		}),
		unary("Flush", func(ctx context.Context, c Controller) (*emptypb.Empty, error) {
			if err := c.Flush(ctx); err != nil {
				return nil, toStatus(err)
			}
			return &emptypb.Empty{}, nil
		}),
		unary("RecoverAccelerator", func(ctx context.Context, c Controller) (*emptypb.Empty, error) {
			if err := c.RecoverAccelerator(ctx); err != nil {
				return nil, toStatus(err)
			}
			return &emptypb.Empty{}, nil
		}),
	},
	Metadata: "slowmo/control.proto",
}

func statsToStruct(stats types.Statistics) (*structpb.Struct, error) {
	b, err := json.Marshal(stats)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "unable to serialize the statistics: %v", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "unable to deserialize the statistics: %v", err)
	}
	return structpb.NewStruct(m)
}

func toStatus(err error) error {
	switch {
	case errors.As(err, &types.ErrInvalidState{}):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &types.ErrInvalidArgument{}):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) authorize(ctx context.Context) error {
	token := s.Token.Get()
	if token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, value := range md.Get(authorizationHeader) {
		given, ok := strings.CutPrefix(value, bearerPrefix)
		if ok && subtle.ConstantTimeCompare([]byte(given), []byte(token)) == 1 {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "invalid or missing token")
}

// UnaryInterceptor rejects the calls without the token.
func (s *Server) UnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if err := s.authorize(ctx); err != nil {
		logger.Warnf(ctx, "rejected %s: %v", info.FullMethod, err)
		return nil, err
	}
	logger.Tracef(ctx, "%s", info.FullMethod)
	return handler(ctx, req)
}

// Register adds the control service to an existing gRPC server. The
// server must be created with UnaryInterceptor for the token to be
// checked.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Serve serves the control service on the listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) (_err error) {
	logger.Debugf(ctx, "Serve(%s)", listener.Addr())
	defer func() { logger.Debugf(ctx, "/Serve(%s): %v", listener.Addr(), _err) }()

	g := grpc.NewServer(grpc.UnaryInterceptor(s.UnaryInterceptor))
	s.Register(g)
	observability.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		g.GracefulStop()
	})
	if err := g.Serve(listener); err != nil {
		return fmt.Errorf("unable to serve: %w", err)
	}
	return nil
}
