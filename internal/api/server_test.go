package api

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startGRPC(t *testing.T, env *testEnv) *grpc.ClientConn {
	t.Helper()
	logger := zerolog.New(io.Discard)
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServerWithListener(testAPIConfig(), env.queue, lis, &logger)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func withKey(t *testing.T, key string) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if key == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, apiKeyHeaderDefault, key)
}

func TestGRPCHealthNeedsNoKey(t *testing.T) {
	conn := startGRPC(t, newTestEnv(t, testAPIConfig()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: adminServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestGRPCAdminAuth(t *testing.T) {
	client := NewAdminClient(startGRPC(t, newTestEnv(t, testAPIConfig())))

	_, err := client.Call(withKey(t, ""), methodStats, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = client.Call(withKey(t, "nope"), methodStats, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = client.Call(withKey(t, readerKey), methodEnqueueEntity, map[string]any{"entity_id": "A"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err := client.Call(withKey(t, readerKey), methodStats, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "counts")
}

func TestGRPCAdminJobFlow(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	client := NewAdminClient(startGRPC(t, env))

	out, err := client.Call(withKey(t, operatorKey), methodEnqueueFamily, map[string]any{"family_id": "FAM"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out["jobs_created"])

	out, err = client.Call(withKey(t, operatorKey), methodListJobs, map[string]any{"entity_id": "C", "limit": 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, out["count"])
	jobs := out["jobs"].([]any)
	id := jobs[0].(map[string]any)["id"]

	out, err = client.Call(withKey(t, readerKey), methodGetJob, map[string]any{"id": id})
	require.NoError(t, err)
	assert.Equal(t, "C", out["entity_id"])
	assert.Equal(t, "high", out["priority"])

	out, err = client.Call(withKey(t, operatorKey), methodCancelJob, map[string]any{"id": id})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", out["status"])

	_, err = client.Call(withKey(t, operatorKey), methodCancelJob, map[string]any{"id": id})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.Call(withKey(t, readerKey), methodGetJob, map[string]any{"id": 424242})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Call(withKey(t, readerKey), methodGetJob, map[string]any{"id": "x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Call(withKey(t, operatorKey), methodEnqueueFamily, map[string]any{"family_id": "GHOST"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	out, err = client.Call(withKey(t, operatorKey), methodRetryFailed, map[string]any{"pattern": ""})
	require.NoError(t, err)
	assert.EqualValues(t, 0, out["affected"])
}
