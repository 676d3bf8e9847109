package compute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"computeruse/internal/apperr"
	"computeruse/internal/resilience"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/client"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimulatedProvider(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedProvider(0, testLogger())

	h, err := p.Start(ctx, StartRequest{SessionID: "s1", OwnerID: "o1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.IsZero() || h.Endpoint == "" {
		t.Fatalf("unexpected handle %+v", h)
	}
	if st, _ := p.Describe(ctx, h); st != StatusRunning {
		t.Errorf("expected running, got %s", st)
	}

	if err := p.Stop(ctx, h); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// 重复停止是幂等的
	if err := p.Stop(ctx, h); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if st, _ := p.Describe(ctx, h); st != StatusMissing {
		t.Errorf("expected missing, got %s", st)
	}
	if p.Live() != 0 {
		t.Errorf("expected no live units, got %d", p.Live())
	}
}

func TestSimulatedProviderFailureInjection(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedProvider(0, testLogger())

	p.FailStarts(2)
	for range 2 {
		if _, err := p.Start(ctx, StartRequest{SessionID: "s"}); !errors.Is(err, apperr.ErrProviderTransient) {
			t.Fatalf("expected transient error, got %v", err)
		}
	}
	if _, err := p.Start(ctx, StartRequest{SessionID: "s"}); err != nil {
		t.Fatalf("third start should succeed: %v", err)
	}
	if p.Starts() != 3 {
		t.Errorf("expected 3 starts, got %d", p.Starts())
	}

	if _, err := p.Start(ctx, StartRequest{}); !errors.Is(err, ErrInvalidStartSpec) {
		t.Errorf("expected invalid spec, got %v", err)
	}
}

func TestSimulatedProviderRespectsCancel(t *testing.T) {
	p := NewSimulatedProvider(time.Hour, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Start(ctx, StartRequest{SessionID: "s"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func startHealthServer(t *testing.T, status healthpb.HealthCheckResponse_ServingStatus) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", status)
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestCreateErrorConflictIsRetryable(t *testing.T) {
	conflict := fmt.Errorf("container name in use: %w", errdefs.ErrConflict)
	err := createError(conflict)
	if !resilience.IsRetryable(err) {
		t.Errorf("name conflict after cleanup should be retried: %v", err)
	}
	if !errors.Is(err, ErrUnitStartFailed) {
		t.Errorf("expected ErrUnitStartFailed in chain: %v", err)
	}

	invalid := fmt.Errorf("bad memory limit: %w", errdefs.ErrInvalidArgument)
	if resilience.IsRetryable(createError(invalid)) {
		t.Error("invalid argument must stay permanent")
	}
}

func TestWaitForHealthy(t *testing.T) {
	t.Run("Serving", func(t *testing.T) {
		addr := startHealthServer(t, healthpb.HealthCheckResponse_SERVING)
		if err := WaitForHealthy(context.Background(), addr, 5*time.Second); err != nil {
			t.Fatalf("expected healthy: %v", err)
		}
	})

	t.Run("NotServing", func(t *testing.T) {
		addr := startHealthServer(t, healthpb.HealthCheckResponse_NOT_SERVING)
		err := WaitForHealthy(context.Background(), addr, time.Second)
		if err == nil {
			t.Fatal("expected timeout error")
		}
	})
}

func TestDockerProviderLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	image := os.Getenv("COMPUTE_TEST_IMAGE")
	if image == "" {
		t.Skip("COMPUTE_TEST_IMAGE not set")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("Failed to create Docker client: %v", err)
	}
	defer cli.Close()

	p := NewDockerProvider(cli, DockerConfig{
		Image:        image,
		NetworkName:  "bridge",
		MemoryMB:     256,
		CPU:          0.5,
		AgentPort:    8081,
		ProbePort:    50051,
		ReadyTimeout: 30 * time.Second,
	}, testLogger())
	// 测试镜像不一定带 health 服务
	p.probe = func(ctx context.Context, addr string, timeout time.Duration) error { return nil }

	ctx := context.Background()
	h, err := p.Start(ctx, StartRequest{SessionID: "it-" + time.Now().Format("150405"), OwnerID: "tester"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st, err := p.Describe(ctx, h); err != nil || st != StatusRunning {
		t.Fatalf("Describe = %s, %v", st, err)
	}
	if err := p.Stop(ctx, h); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(ctx, h); err != nil {
		t.Fatalf("Stop should be idempotent: %v", err)
	}
	if st, _ := p.Describe(ctx, h); st != StatusMissing {
		t.Errorf("expected missing after stop, got %s", st)
	}
}
