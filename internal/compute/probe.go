package compute

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const probeInterval = 500 * time.Millisecond

// WaitForHealthy 轮询容器内代理的 gRPC health 服务，直到 SERVING 或超时
func WaitForHealthy(ctx context.Context, addr string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("dial health probe %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	var lastErr error
	for {
		checkCtx, checkCancel := context.WithTimeout(waitCtx, 2*time.Second)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{})
		checkCancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %s", resp.GetStatus())
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("agent at %s not serving within %s: %w", addr, timeout, lastErr)
		case <-time.After(probeInterval):
		}
	}
}
