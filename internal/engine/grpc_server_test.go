package engine

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/agentgw/internal/domain"
)

func dialGateway(t *testing.T, gw *Gateway) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(gw, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCProxyRequest(t *testing.T) {
	f := newFixture(t)
	f.putPolicy(t, searchPolicy(1))
	conn := dialGateway(t, f.gw)
	issued := f.issue(t, "agent-1", []string{"serpapi"}, []string{"search"})

	in, err := structpb.NewStruct(map[string]any{
		"tool":   "serpapi",
		"action": "search",
		"params": map[string]any{"q": "grpc"},
	})
	require.NoError(t, err)

	// Без токена: Unauthenticated из интерсептора
	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), ProxyRequestMethod, in, out)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), MetadataAgentToken, issued.Token)
	var header metadata.MD
	require.NoError(t, conn.Invoke(ctx, ProxyRequestMethod, in, out, grpc.Header(&header)))
	assert.True(t, out.GetFields()["success"].GetBoolValue())
	data := out.GetFields()["data"].GetStructValue().GetFields()
	assert.Equal(t, "grpc", data["query"].GetStringValue())
	assert.Equal(t, []string{"false"}, header.Get("x-token-rotation-recommended"))

	// Квота исчерпана
	var trailer metadata.MD
	err = conn.Invoke(ctx, ProxyRequestMethod, in, out, grpc.Trailer(&trailer))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, []string{string(domain.CodeQuotaExceeded)}, trailer.Get("x-denial-code"))
	assert.NotEmpty(t, trailer.Get("retry-after"))
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := map[domain.Code]codes.Code{
		domain.CodeBadRequest:      codes.InvalidArgument,
		domain.CodeTokenExpired:    codes.Unauthenticated,
		domain.CodeScopeDenied:     codes.PermissionDenied,
		domain.CodeQuotaExceeded:   codes.ResourceExhausted,
		domain.CodeCircuitOpen:     codes.Unavailable,
		domain.CodeUpstreamError:   codes.Aborted,
		domain.CodeRetryExhausted:  codes.Aborted,
		domain.CodeInternal:        codes.Internal,
		domain.CodeResponseBlocked: codes.PermissionDenied,
	}
	for code, want := range cases {
		assert.Equal(t, want, GRPCCode(&domain.Denial{Code: code}), code)
	}
}
