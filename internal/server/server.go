package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"computeruse/internal/api"
	"computeruse/internal/apperr"
	"computeruse/internal/auth"
	"computeruse/internal/bridge"
	"computeruse/internal/cache"
	"computeruse/internal/compute"
	"computeruse/internal/config"
	"computeruse/internal/eventbus"
	"computeruse/internal/inference"
	"computeruse/internal/monitor"
	"computeruse/internal/resilience"
	"computeruse/internal/session"
	"computeruse/internal/session/repo"
	"computeruse/internal/session/worker"

	"github.com/hibiken/asynq"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	sessions    *session.SessionManager
	hub         *bridge.Hub
	publisher   *session.EventPublisher
	sweeper     *session.Sweeper
	breakers    *resilience.Registry
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		Threshold: cfg.Breaker.Threshold,
		CoolDown:  cfg.Breaker.CoolDown,
	}, nil)
	computeExec := resilience.NewExecutor("compute", retryPolicy(cfg.Retry.Compute), breakers.Breaker("compute"), logger,
		resilience.WithExhaustedError(apperr.ErrProvisioningFailed))
	inferenceExec := resilience.NewExecutor("inference", retryPolicy(cfg.Retry.Inference), breakers.Breaker("inference"), logger,
		resilience.WithExhaustedError(apperr.ErrInferenceUnavailable))

	provider, err := newComputeProvider(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	gate, err := newGate(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	var cacheStore cache.Store = cache.NewMemoryStore()
	if deps.Redis != nil {
		cacheStore = cache.NewRedisStore(deps.Redis)
	}
	decisions := cache.New(cache.Config{
		HotTTL:              cfg.Cache.HotTTL,
		HotSize:             cfg.Cache.HotSize,
		DurableTTL:          cfg.Cache.DurableTTL,
		ConfidenceThreshold: cfg.Cache.ConfidenceThreshold,
	}, cacheStore, logger)

	var model inference.Provider = inference.Simulated{}
	if !cfg.Inference.Simulated && cfg.Inference.Endpoint != "" {
		model = inference.NewClient(cfg.Inference.Endpoint, cfg.Inference.APIKey, cfg.Inference.Model, cfg.Inference.Timeout)
	} else {
		logger.Warn("Using simulated inference provider")
	}
	resolver := bridge.NewResolver(decisions, model, inferenceExec, logger)

	desktops, err := bridge.NewDesktopFactory(cfg.Desktop.Mode, bridge.DesktopConfig{
		Width:         cfg.Desktop.Width,
		Height:        cfg.Desktop.Height,
		ActionTimeout: cfg.Desktop.ActionTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	var bus eventbus.EventBus = eventbus.NewMemoryBus()
	if deps.Redis != nil {
		bus = eventbus.NewRedisBus(deps.Redis, logger)
	}

	var mgrOpts []session.Option
	if deps.PG != nil {
		if deps.Redis != nil {
			mgrOpts = append(mgrOpts, session.WithRepository(repo.NewRepository(deps.PG, deps.Redis)))
		} else {
			mgrOpts = append(mgrOpts, session.WithRepository(repo.NewRepository(deps.PG, nil)))
		}
	}
	if deps.AsynqClient != nil {
		mgrOpts = append(mgrOpts, session.WithStopQueue(worker.NewAsynqStopQueue(deps.AsynqClient, cfg.Worker.MaxRetry)))
	}

	sessionMgr := session.NewSessionManager(provider, computeExec, gate, session.Config{
		StartingTimeout: cfg.Session.StartingTimeout,
		IdleTimeout:     cfg.Session.IdleTimeout,
		MaxLifetime:     cfg.Session.MaxLifetime,
		StopTimeout:     cfg.Session.StopTimeout,
		AttemptTimeout:  cfg.Compute.StartTimeout,
	}, logger, mgrOpts...)

	publisher := session.NewEventPublisher(bus, logger)
	sessionMgr.Subscribe(publisher.Listener())

	hubOpts := []bridge.HubOption{bridge.WithResolver(resolver)}
	var artifacts *bridge.ArtifactStore
	if cfg.Bridge.ArtifactDir != "" {
		artifacts, err = bridge.NewArtifactStore(cfg.Bridge.ArtifactDir)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		hubOpts = append(hubOpts, bridge.WithArtifacts(artifacts))
	}
	hub := bridge.NewHub(sessionMgr, desktops, bridge.Config{
		TargetFPS:        cfg.Bridge.TargetFPS,
		MinFPS:           cfg.Bridge.MinFPS,
		MaxCaptureErrors: cfg.Bridge.MaxCaptureErrors,
		ActionTimeout:    cfg.Desktop.ActionTimeout,
		MaxMessageSize:   cfg.Bridge.MaxMessageSize,
		PingInterval:     cfg.Bridge.PingInterval,
		WriteTimeout:     cfg.Bridge.WriteTimeout,
		ReadTimeout:      cfg.Bridge.ReadTimeout,
	}, logger, hubOpts...)
	sessionMgr.Subscribe(hub.OnStateChange)

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		sessions:  sessionMgr,
		hub:       hub,
		publisher: publisher,
		sweeper:   session.NewSweeper(sessionMgr, cfg.Session.SweepInterval, logger),
		breakers:  breakers,
		logger:    logger,
	}

	if deps.AsynqClient != nil {
		// 停止任务的重试由 asynq 负责，每次投递只尝试一次
		stopExec := resilience.NewExecutor("compute-stop", resilience.Policy{MaxAttempts: 1}, breakers.Breaker("compute"), logger)
		stopWorker := worker.NewStopWorker(provider, stopExec, logger)

		s.asynqServer = asynq.NewServer(deps.AsynqRedis, asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Logger:      newAsynqLogger(logger),
		})
		s.asynqMux = asynq.NewServeMux()
		s.asynqMux.HandleFunc(session.ComputeStopTask, stopWorker.HandleComputeStop)
	}

	router := api.NewRouter(api.Deps{
		Sessions:  sessionMgr,
		Gate:      gate,
		Hub:       hub,
		Bus:       bus,
		Cache:     decisions,
		Breakers:  breakers,
		Artifacts: artifacts,
		PublicURL: cfg.Server.PublicURL,
	})
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func retryPolicy(p config.RetryPolicy) resilience.Policy {
	return resilience.Policy{
		BaseDelay:   p.BaseDelay,
		MaxDelay:    p.MaxDelay,
		MaxAttempts: p.MaxAttempts,
	}
}

func newComputeProvider(cfg *config.Config, deps *Dependency, logger *slog.Logger) (compute.Provider, error) {
	switch cfg.Compute.Provider {
	case "docker":
		if deps.Docker == nil {
			return nil, errors.New("docker compute provider requires a docker client")
		}
		return compute.NewDockerProvider(deps.Docker, compute.DockerConfig{
			Image:        cfg.Compute.Image,
			NetworkName:  cfg.Compute.NetworkName,
			MemoryMB:     cfg.Compute.ContainerMem,
			CPU:          cfg.Compute.ContainerCPU,
			AgentPort:    cfg.Compute.AgentPort,
			ProbePort:    cfg.Compute.ProbePort,
			ReadyTimeout: cfg.Compute.ReadyTimeout,
		}, logger), nil
	case "simulated":
		logger.Warn("Using simulated compute provider")
		return compute.NewSimulatedProvider(cfg.Compute.SimulatedDelay, logger), nil
	default:
		return nil, fmt.Errorf("unknown compute provider %q", cfg.Compute.Provider)
	}
}

// newGate 优先使用静态 key，否则从 Postgres 读取；配额计数在有 Redis 时跨实例共享
func newGate(cfg *config.Config, deps *Dependency, logger *slog.Logger) (*auth.Gate, error) {
	var creds auth.CredentialStore
	switch {
	case cfg.Auth.StaticKeys != "":
		static, err := auth.ParseStaticKeys(cfg.Auth.StaticKeys)
		if err != nil {
			return nil, fmt.Errorf("AUTH_STATIC_KEYS: %w", err)
		}
		creds = static
	case deps.PG != nil:
		creds = auth.NewPGCredentialStore(deps.PG)
	default:
		return nil, errors.New("no credential source: set AUTH_STATIC_KEYS or POSTGRES_ADDR")
	}

	var quotas auth.QuotaStore = auth.NewMemoryQuotaStore()
	if deps.Redis != nil {
		quotas = auth.NewRedisQuotaStore(deps.Redis)
	}

	tiers := make(map[string]auth.TierLimits, len(cfg.Tiers))
	for name, t := range cfg.Tiers {
		tiers[name] = auth.TierLimits{
			RequestsPerWindow: t.RequestsPerWindow,
			Window:            t.Window,
			MaxSessions:       t.MaxSessions,
		}
	}
	return auth.NewGate(creds, quotas, tiers, logger), nil
}

func (s *Server) Start(ctx context.Context) error {
	recoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if n, err := s.sessions.Recover(recoverCtx); err != nil {
		s.logger.Error("Failed to recover sessions from previous run", "error", err)
	} else if n > 0 {
		s.logger.Info("Recovered sessions from previous run", "count", n)
	}
	cancel()

	if s.asynqServer != nil {
		go func() {
			s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
			if err := s.asynqServer.Start(s.asynqMux); err != nil {
				s.logger.Error("Asynq worker failed", "error", err)
			}
		}()
	}

	go s.sweeper.Start()

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger, s.healthChecks()...); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		s.Shutdown()
		return err
	}

	return s.Shutdown()
}

func (s *Server) healthChecks() []monitor.HealthCheck {
	var checks []monitor.HealthCheck
	if s.deps.Redis != nil {
		checks = append(checks, monitor.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return s.deps.Redis.Ping(ctx).Err() },
		})
	}
	if s.deps.PG != nil {
		checks = append(checks, monitor.HealthCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return s.deps.PG.Ping(ctx) },
		})
	}
	if s.deps.Docker != nil {
		checks = append(checks, monitor.HealthCheck{
			Name: "docker",
			Check: func(ctx context.Context) error {
				_, err := s.deps.Docker.Ping(ctx)
				return err
			},
		})
	}
	for _, name := range []string{"compute", "inference"} {
		b := s.breakers.Breaker(name)
		checks = append(checks, monitor.HealthCheck{
			Name: name + "_circuit",
			Check: func(ctx context.Context) error {
				if snap := b.Snapshot(); snap.State == resilience.StateOpen {
					return fmt.Errorf("circuit open after %d failures", snap.ConsecutiveFailures)
				}
				return nil
			},
		})
	}
	return checks
}

// Shutdown 先停止接收新请求，再关闭所有流连接并终止活跃 session，最后停止后台任务
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpDone := make(chan error, 1)
	go func() { httpDone <- s.httpServer.Shutdown(shutdownCtx) }()

	s.sweeper.Stop()
	s.hub.Shutdown()
	if err := s.sessions.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Session manager shutdown error", "error", err)
	}

	if err := <-httpDone; err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// 终态事件发布完之后再关闭
	s.publisher.Close()

	if s.asynqServer != nil {
		s.asynqServer.Shutdown()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL: " + fmt.Sprint(args...)) }
