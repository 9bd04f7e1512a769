package connectors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Контракт коннектора: один unary-метод, запрос и ответ: google.protobuf.Struct.
//
//	request:  {tool, action, params, metadata}
//	response: {status_code, error_message, result}
const (
	ConnectorServiceName = "agentgw.connector.v1.ConnectorService"
	ExecuteMethod        = "/" + ConnectorServiceName + "/Execute"
)

type GRPCAdapter struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPCAdapter создает экземпляр адаптера поверх готового соединения
func NewGRPCAdapter(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCAdapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCAdapter{conn: conn, timeout: timeout}
}

func (a *GRPCAdapter) Call(ctx context.Context, tool, action string, params map[string]any) (any, error) {
	req, err := structpb.NewStruct(map[string]any{
		"tool":     tool,
		"action":   action,
		"params":   params,
		"metadata": map[string]any{"source": "agentgw"},
	})
	if err != nil {
		return nil, fmt.Errorf("connectors: build request for %s: %w", tool, err)
	}

	// Адаптер держит собственный предел, даже если у вызывающего таймаут длиннее
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, ExecuteMethod, req, resp); err != nil {
		return nil, fromStatus(tool, err)
	}

	fields := resp.GetFields()
	if code := int(fields["status_code"].GetNumberValue()); code != 0 {
		return nil, &UpstreamError{Tool: tool, Status: code, Message: fields["error_message"].GetStringValue()}
	}
	return fields["result"].AsInterface(), nil
}

// fromStatus переводит gRPC-статус в HTTP-подобный код для классификации повторов.
func fromStatus(tool string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return fmt.Errorf("connectors: %s: %w", tool, context.DeadlineExceeded)
	case codes.ResourceExhausted:
		return &ThrottleError{Tool: tool, Cause: err}
	}
	return &UpstreamError{Tool: tool, Status: httpStatus(st.Code()), Message: st.Message()}
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// ConnectorServer: серверная сторона контракта для коннекторов, написанных на Go.
type ConnectorServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterConnectorServer(s grpc.ServiceRegistrar, srv ConnectorServer) {
	s.RegisterService(&connectorServiceDesc, srv)
}

var connectorServiceDesc = grpc.ServiceDesc{
	ServiceName: ConnectorServiceName,
	HandlerType: (*ConnectorServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Execute",
		Handler:    executeHandler,
	}},
	Metadata: "agentgw/connector/v1/connector.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConnectorServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConnectorServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
