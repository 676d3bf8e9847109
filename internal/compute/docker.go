package compute

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"computeruse/internal/resilience"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

var _ Provider = (*DockerProvider)(nil)

const managedByLabel = "computeruse"

type DockerConfig struct {
	Image        string
	NetworkName  string
	MemoryMB     int64
	CPU          float64
	AgentPort    int
	ProbePort    int
	ReadyTimeout time.Duration
}

// DockerProvider 以容器作为计算单元，每个 session 一个运行桌面镜像的容器
type DockerProvider struct {
	client *client.Client
	cfg    DockerConfig
	probe  func(ctx context.Context, addr string, timeout time.Duration) error
	logger *slog.Logger
}

func NewDockerProvider(cli *client.Client, cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	return &DockerProvider{
		client: cli,
		cfg:    cfg,
		probe:  WaitForHealthy,
		logger: logger.With("component", "compute-docker"),
	}
}

func (p *DockerProvider) Name() string { return "docker" }

func ContainerName(sessionID string) string {
	return "desktop-" + sessionID
}

func (p *DockerProvider) Start(ctx context.Context, req StartRequest) (Handle, error) {
	if req.SessionID == "" {
		return Handle{}, ErrInvalidStartSpec
	}
	logger := p.logger.With("session_id", req.SessionID, "image", p.cfg.Image)
	logger.Info("Starting desktop container")

	if err := p.ensureImage(ctx, logger); err != nil {
		return Handle{}, err
	}

	name := ContainerName(req.SessionID)
	config := &container.Config{
		Image: p.cfg.Image,
		Env: []string{
			"SESSION_ID=" + req.SessionID,
			"USER_ID=" + req.OwnerID,
		},
		Labels: map[string]string{
			"managed_by": managedByLabel,
			"session_id": req.SessionID,
			"owner_id":   req.OwnerID,
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   p.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(p.cfg.CPU * 1e9),
		},
		ShmSize: 512 * 1024 * 1024,
	}
	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			p.cfg.NetworkName: {},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, config, hostConfig, netConfig, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			p.forceRemove(name, logger)
		}
		logger.Error("Failed to create container", "error", err)
		return Handle{}, createError(err)
	}

	id := resp.ID
	if err := p.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		logger.Error("Failed to start container", "error", err)
		p.forceRemove(id, logger)
		return Handle{}, fmt.Errorf("%w: %w", ErrUnitStartFailed, err)
	}

	inspect, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		logger.Error("Failed to inspect container", "error", err)
		p.forceRemove(id, logger)
		return Handle{}, fmt.Errorf("%w: %w", ErrUnitStartFailed, err)
	}

	ip := ""
	if inspect.NetworkSettings != nil {
		if ep, ok := inspect.NetworkSettings.Networks[p.cfg.NetworkName]; ok && ep != nil {
			ip = ep.IPAddress
		}
	}
	if ip == "" {
		p.forceRemove(id, logger)
		return Handle{}, fmt.Errorf("%w: no address on network %s", ErrUnitStartFailed, p.cfg.NetworkName)
	}

	h := Handle{
		ID:        id,
		Endpoint:  "http://" + net.JoinHostPort(ip, strconv.Itoa(p.cfg.AgentPort)),
		ProbeAddr: net.JoinHostPort(ip, strconv.Itoa(p.cfg.ProbePort)),
	}

	if err := p.probe(ctx, h.ProbeAddr, p.cfg.ReadyTimeout); err != nil {
		logger.Error("Desktop agent not ready", "container_id", id, "error", err)
		p.forceRemove(id, logger)
		return Handle{}, fmt.Errorf("%w: %w", ErrUnitNotReady, err)
	}

	logger.Info("Desktop container ready", "container_id", id, "endpoint", h.Endpoint)
	return h, nil
}

func (p *DockerProvider) ensureImage(ctx context.Context, logger *slog.Logger) error {
	_, err := p.client.ImageInspect(ctx, p.cfg.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	logger.Info("Image not found, pulling...")
	reader, err := p.client.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImagePullFailed, err)
	}
	defer reader.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrImagePullFailed, err)
		}
		logger.Info("Image pull completed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrImagePullFailed, ctx.Err())
	}
}

// Stop 停止并删除容器，容器不存在视为成功
func (p *DockerProvider) Stop(ctx context.Context, h Handle) error {
	if h.IsZero() {
		return nil
	}
	timeout := 10
	if err := p.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		p.logger.Warn("Container stop failed, forcing removal", "container_id", h.ID, "error", err)
	}

	if err := p.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", h.ID, err)
	}
	return nil
}

func (p *DockerProvider) Describe(ctx context.Context, h Handle) (Status, error) {
	inspect, err := p.client.ContainerInspect(ctx, h.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusMissing, nil
		}
		return "", err
	}
	if inspect.State != nil && inspect.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

func (p *DockerProvider) forceRemove(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logger.Error("Failed to remove container after start failure", "container", id, "error", err)
	}
}

// createError 包装 ContainerCreate 的失败。同名冲突来自上一次尝试遗留的容器，
// 调用方已将其删除，标记为可重试，否则 errdefs 冲突分类会让 session 直接失败。
func createError(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrUnitStartFailed, err)
	if errdefs.IsConflict(err) {
		return resilience.Retryable(wrapped)
	}
	return wrapped
}
