package engine

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/agentgw/internal/domain"
)

const (
	GatewayServiceName = "agentgw.gateway.v1.GatewayService"
	ProxyRequestMethod = "/" + GatewayServiceName + "/ProxyRequest"
)

// GatewayServer: серверная сторона gRPC-контракта шлюза.
type GatewayServer interface {
	ProxyRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// GRPCGatewayServer: тот же конвейер, что и HTTP, поверх gRPC со structpb.
type GRPCGatewayServer struct {
	gw     *Gateway
	logger *zap.Logger
}

func NewGRPCGatewayServer(gw *Gateway, logger *zap.Logger) *GRPCGatewayServer {
	return &GRPCGatewayServer{gw: gw, logger: logger.Named("grpc")}
}

// NewGRPCServer собирает gRPC-сервер с интерсептором токена.
func NewGRPCServer(gw *Gateway, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(UnaryAuthInterceptor()))
	srv := grpc.NewServer(opts...)
	RegisterGatewayServer(srv, NewGRPCGatewayServer(gw, logger))
	return srv
}

func (s *GRPCGatewayServer) ProxyRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, ok := traceIDFromContext(ctx); !ok {
		ctx = WithTraceID(ctx, uuid.New().String())
	}

	// 1. Struct → ProxyRequest через JSON: те же имена полей, что и в HTTP
	raw, err := in.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	var req ProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	req.AgentToken = agentTokenFromContext(ctx)

	// 2. Единый пайплайн обработки
	resp, err := s.gw.ProxyRequest(ctx, req)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	_ = grpc.SetHeader(ctx, metadata.Pairs(
		"x-token-rotation-recommended", strconv.FormatBool(resp.RotationRecommended),
		"x-token-expires-at", resp.TokenExpiresAt.UTC().Format(time.RFC3339),
	))

	// 3. Ответ обратно в Struct
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	result := &structpb.Struct{}
	if err := result.UnmarshalJSON(out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return result, nil
}

func (s *GRPCGatewayServer) toStatus(ctx context.Context, err error) error {
	d, ok := domain.AsDenial(err)
	if !ok {
		s.logger.Error("request failed", zap.String("trace_id", extractTraceID(ctx)), zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
	trailer := metadata.Pairs("x-denial-code", string(d.Code))
	if ra := RetryAfter(d); ra > 0 {
		trailer.Set("retry-after", strconv.FormatInt(int64(math.Ceil(ra.Seconds())), 10))
	}
	_ = grpc.SetTrailer(ctx, trailer)
	return status.Error(GRPCCode(d), d.Error())
}

// GRPCCode повторяет HTTPStatus для gRPC-клиентов.
func GRPCCode(d *domain.Denial) codes.Code {
	switch HTTPStatus(d) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusBadGateway:
		return codes.Aborted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	}
	return codes.Internal
}

func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&gatewayServiceDesc, srv)
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: GatewayServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "ProxyRequest",
		Handler:    proxyRequestHandler,
	}},
	Metadata: "agentgw/gateway/v1/gateway.proto",
}

func proxyRequestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).ProxyRequest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProxyRequestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).ProxyRequest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
