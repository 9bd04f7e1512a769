package engine

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// MetadataAgentToken: ключ метаданных с токеном агента (в gRPC заголовки в нижнем регистре).
const MetadataAgentToken = "x-agent-token"

type agentTokenKey struct{}

// UnaryAuthInterceptor достает токен агента из метаданных и кладет в контекст.
// Сам токен проверяет Gateway, здесь только отсекаются вызовы без токена.
func UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// 2. Ищем токен
		tokens := md.Get(MetadataAgentToken)
		if len(tokens) == 0 || tokens[0] == "" {
			return nil, status.Errorf(codes.Unauthenticated, "missing agent token")
		}

		// 3. Trace-ID сквозной с HTTP
		if ids := md.Get("x-trace-id"); len(ids) > 0 && ids[0] != "" {
			ctx = WithTraceID(ctx, ids[0])
		}

		return handler(context.WithValue(ctx, agentTokenKey{}, tokens[0]), req)
	}
}

func agentTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(agentTokenKey{}).(string)
	return t
}
