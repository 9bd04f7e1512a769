package connectors

import (
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type echoConnector struct{}

func (echoConnector) Execute(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	switch f["action"].GetStringValue() {
	case "search":
		return structpb.NewStruct(map[string]any{
			"status_code": 0,
			"result": map[string]any{
				"tool":  f["tool"].GetStringValue(),
				"query": f["params"].GetStructValue().GetFields()["q"].GetStringValue(),
			},
		})
	case "broken":
		return structpb.NewStruct(map[string]any{"status_code": 500, "error_message": "boom"})
	case "busy":
		return nil, status.Error(codes.ResourceExhausted, "slow down")
	}
	return nil, status.Error(codes.Unavailable, "connector offline")
}

func dialConnector(t *testing.T) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterConnectorServer(srv, echoConnector{})
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

func TestGRPCAdapter(t *testing.T) {
	a := NewGRPCAdapter(dialConnector(t), 0)
	ctx := context.Background()

	res, err := a.Call(ctx, "serpapi", "search", map[string]any{"q": "golang"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tool": "serpapi", "query": "golang"}, res)

	_, err = a.Call(ctx, "serpapi", "broken", nil)
	var up *UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, 500, up.StatusCode())
	assert.Equal(t, "boom", up.Message)

	_, err = a.Call(ctx, "serpapi", "busy", nil)
	var th *ThrottleError
	require.ErrorAs(t, err, &th)

	_, err = a.Call(ctx, "serpapi", "other", nil)
	require.ErrorAs(t, err, &up)
	assert.Equal(t, http.StatusServiceUnavailable, up.Status)
}
