package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"computeruse/internal/apperr"
	"computeruse/internal/session"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"
)

var _ session.Repository = (*Repository)(nil)

type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

// NewRepository redis 可以为 nil，此时不做读缓存
func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

func (r *Repository) CreateSchema() error {
	return r.db.Model(&SessionModel{}).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	})
}

// Save 按主键 upsert
func (r *Repository) Save(ctx context.Context, s *session.Session) error {
	_, err := r.db.ModelContext(ctx, fromSession(s)).
		OnConflict("(id) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("handle_id = EXCLUDED.handle_id").
		Set("endpoint = EXCLUDED.endpoint").
		Set("probe_addr = EXCLUDED.probe_addr").
		Set("reason = EXCLUDED.reason").
		Set("last_activity_at = EXCLUDED.last_activity_at").
		Set("updated_at = EXCLUDED.updated_at").
		Insert()
	if err != nil {
		return err
	}

	// 缓存失效
	if r.redis != nil {
		_ = r.redis.Del(ctx, sessionCacheKey(s.ID)).Err()
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*session.Session, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, sessionCacheKey(id)).Result()
		if err == nil {
			var cached SessionModel
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return cached.toSession(), nil
			}
		}
	}

	m := &SessionModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}

	if r.redis != nil {
		if b, err := json.Marshal(m); err == nil {
			_ = r.redis.Set(ctx, sessionCacheKey(id), b, sessionCacheTTL).Err()
		}
	}

	return m.toSession(), nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*session.Session, error) {
	var models []SessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Select()
	if err != nil {
		return nil, err
	}
	return toSessions(models), nil
}

func (r *Repository) ListByStates(ctx context.Context, states []session.State) ([]*session.Session, error) {
	var models []SessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("state IN (?)", pg.In(states)).
		Order("created_at DESC").
		Select()
	if err != nil {
		return nil, err
	}
	return toSessions(models), nil
}

func toSessions(models []SessionModel) []*session.Session {
	sessions := make([]*session.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, models[i].toSession())
	}
	return sessions
}
