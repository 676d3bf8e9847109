package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"computeruse/internal/digest"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
)

var _ CredentialStore = (*MemoryCredentialStore)(nil)
var _ CredentialStore = (*PGCredentialStore)(nil)

const keyPrefix = "cu_"

// GenerateKey 生成新的明文 API key
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey 返回 key 的存储形式
func HashKey(apiKey string) string {
	return digest.APIKey(apiKey).String()
}

// MemoryCredentialStore 进程内凭据存储，用于静态 key 配置与测试
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]Credential)}
}

func (s *MemoryCredentialStore) Add(apiKey, owner, tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := HashKey(apiKey)
	s.creds[h] = Credential{KeyHash: h, OwnerID: owner, Tier: tier, Active: true}
}

func (s *MemoryCredentialStore) Deactivate(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := HashKey(apiKey)
	if c, ok := s.creds[h]; ok {
		c.Active = false
		s.creds[h] = c
	}
}

func (s *MemoryCredentialStore) Lookup(ctx context.Context, apiKey string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[HashKey(apiKey)]
	if !ok {
		return nil, ErrInvalidKey
	}
	return &c, nil
}

// ParseStaticKeys 解析 "key:owner:tier,..." 形式的配置
func ParseStaticKeys(spec string) (*MemoryCredentialStore, error) {
	s := NewMemoryCredentialStore()
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed static key entry %q, want key:owner:tier", item)
		}
		s.Add(parts[0], parts[1], parts[2])
	}
	return s, nil
}

// APIKeyModel api_keys 表，只保存 key 的摘要
type APIKeyModel struct {
	tableName struct{} `pg:"api_keys"`

	KeyHash   string    `pg:"key_hash,pk"`
	OwnerID   string    `pg:"owner_id,notnull"`
	Tier      string    `pg:"tier,notnull"`
	Active    bool      `pg:"active,use_zero"`
	CreatedAt time.Time `pg:"created_at,notnull"`
	ExpiresAt time.Time `pg:"expires_at"`
}

type PGCredentialStore struct {
	db *pg.DB
}

func NewPGCredentialStore(db *pg.DB) *PGCredentialStore {
	return &PGCredentialStore{db: db}
}

func (s *PGCredentialStore) CreateSchema() error {
	return s.db.Model(&APIKeyModel{}).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	})
}

func (s *PGCredentialStore) Lookup(ctx context.Context, apiKey string) (*Credential, error) {
	m := &APIKeyModel{KeyHash: HashKey(apiKey)}
	if err := s.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	return &Credential{
		KeyHash:   m.KeyHash,
		OwnerID:   m.OwnerID,
		Tier:      m.Tier,
		Active:    m.Active,
		ExpiresAt: m.ExpiresAt,
	}, nil
}

// Create 为 owner 生成并保存新 key，返回明文（只在此时可见）
func (s *PGCredentialStore) Create(ctx context.Context, owner, tier string, ttl time.Duration) (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	m := &APIKeyModel{
		KeyHash:   HashKey(key),
		OwnerID:   owner,
		Tier:      tier,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		m.ExpiresAt = m.CreatedAt.Add(ttl)
	}
	if _, err := s.db.ModelContext(ctx, m).Insert(); err != nil {
		if pgErr, ok := err.(pg.Error); ok && pgErr.IntegrityViolation() {
			return "", ErrKeyExists
		}
		return "", err
	}
	return key, nil
}

// Revoke 停用 owner 的全部 key
func (s *PGCredentialStore) Revoke(ctx context.Context, owner string) (int, error) {
	res, err := s.db.ModelContext(ctx, (*APIKeyModel)(nil)).
		Set("active = ?", false).
		Where("owner_id = ?", owner).
		Update()
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
