package server

import (
	"context"
	"fmt"
	"log/slog"

	"computeruse/internal/auth"
	"computeruse/internal/config"
	"computeruse/internal/session/repo"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施。Docker、Redis、Postgres 按配置启用，未启用时为 nil。
type Dependency struct {
	Docker      *client.Client
	Redis       *redis.Client
	PG          *pg.DB
	AsynqClient *asynq.Client
	AsynqRedis  asynq.RedisClientOpt
	Logger      *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	d := &Dependency{Logger: logger}

	if cfg.Compute.Provider == "docker" {
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		if _, err := dockerClient.Ping(ctx); err != nil {
			dockerClient.Close()
			return nil, fmt.Errorf("docker ping: %w", err)
		}
		d.Docker = dockerClient
	}

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			d.Close()
			return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
		}
		d.Redis = redisClient

		d.AsynqRedis = asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		d.AsynqClient = asynq.NewClient(d.AsynqRedis)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process quota, cache and event bus")
	}

	if cfg.Postgres.Addr != "" {
		pgDB := pg.Connect(&pg.Options{
			Addr:     cfg.Postgres.Addr,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
		})
		if _, err := pgDB.ExecContext(ctx, "SELECT 1"); err != nil {
			pgDB.Close()
			d.Close()
			return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
		}
		d.PG = pgDB

		// 迁移数据库 schema
		if err := repo.NewRepository(pgDB, nil).CreateSchema(); err != nil {
			d.Close()
			return nil, fmt.Errorf("auto-migrate sessions: %w", err)
		}
		if err := auth.NewPGCredentialStore(pgDB).CreateSchema(); err != nil {
			d.Close()
			return nil, fmt.Errorf("auto-migrate api keys: %w", err)
		}
	} else {
		logger.Warn("POSTGRES_ADDR not set, session history will not survive restarts")
	}

	return d, nil
}

func (d *Dependency) Close() {
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
