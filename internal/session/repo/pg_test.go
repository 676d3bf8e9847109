package repo_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"computeruse/internal/apperr"
	"computeruse/internal/compute"
	"computeruse/internal/session"
	"computeruse/internal/session/repo"

	"github.com/go-pg/pg/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func connect(t *testing.T) (*pg.DB, *redis.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	pgAddr := os.Getenv("POSTGRES_TEST_ADDR")
	if pgAddr == "" {
		t.Skip("POSTGRES_TEST_ADDR not set")
	}
	db := pg.Connect(&pg.Options{
		Addr:     pgAddr,
		User:     "test",
		Password: "test",
		Database: "testdb",
	})
	if _, err := db.Exec("SELECT 1"); err != nil {
		t.Fatalf("Failed to connect to Postgres at %s: %v", pgAddr, err)
	}
	t.Cleanup(func() { db.Close() })

	var rdb *redis.Client
	if addr := os.Getenv("REDIS_TEST_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { rdb.Close() })
	}
	return db, rdb
}

func TestSessionRepository(t *testing.T) {
	db, rdb := connect(t)
	ctx := context.Background()

	var r *repo.Repository
	if rdb != nil {
		r = repo.NewRepository(db, rdb)
	} else {
		r = repo.NewRepository(db, nil)
	}
	if err := r.CreateSchema(); err != nil {
		t.Fatalf("Failed to create session table: %v", err)
	}

	owner := "owner-" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("SaveAndGet", func(t *testing.T) {
		s := &session.Session{
			ID:        uuid.New().String(),
			OwnerID:   owner,
			State:     session.StateStarting,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.Save(ctx, s); err != nil {
			t.Fatalf("Failed to save session: %v", err)
		}

		// 读一次以填充缓存，再更新，确认缓存被失效
		if _, err := r.GetByID(ctx, s.ID); err != nil {
			t.Fatal(err)
		}
		s.State = session.StateRunning
		s.Handle = compute.Handle{ID: "unit-1", Endpoint: "http://10.0.0.2:8081"}
		if err := r.Save(ctx, s); err != nil {
			t.Fatalf("Failed to upsert session: %v", err)
		}

		got, err := r.GetByID(ctx, s.ID)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if got.State != session.StateRunning || got.Handle.ID != "unit-1" {
			t.Errorf("Session mismatch: got %+v", got)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := r.GetByID(ctx, uuid.New().String())
		if !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListByOwnerAndStates", func(t *testing.T) {
		failed := &session.Session{
			ID:        uuid.New().String(),
			OwnerID:   owner,
			State:     session.StateFailed,
			CreatedAt: now.Add(time.Second),
			UpdatedAt: now,
		}
		if err := r.Save(ctx, failed); err != nil {
			t.Fatal(err)
		}

		list, err := r.ListByOwner(ctx, owner, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 || list[0].ID != failed.ID {
			t.Fatalf("expected 2 sessions newest first, got %d", len(list))
		}

		active, err := r.ListByStates(ctx, []session.State{session.StateRunning})
		if err != nil {
			t.Fatal(err)
		}
		for _, s := range active {
			if s.State != session.StateRunning {
				t.Errorf("unexpected state %s", s.State)
			}
		}
	})
}
