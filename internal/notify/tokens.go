package notify

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// TokenStore keeps one push device token per user.
type TokenStore interface {
	Register(ctx context.Context, userID, token string) error
	// Token returns "" when the user has none registered.
	Token(ctx context.Context, userID string) (string, error)
}

var ErrEmptyToken = errors.New("device token is empty")

type MemoryTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryTokens() *MemoryTokens { return &MemoryTokens{tokens: make(map[string]string)} }

func (m *MemoryTokens) Register(_ context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	m.mu.Lock()
	m.tokens[userID] = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryTokens) Token(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[userID], nil
}

// RedisTokens stores tokens under device:token:<user id>.
type RedisTokens struct {
	client redis.UniversalClient
}

func NewRedisTokens(client redis.UniversalClient) *RedisTokens { return &RedisTokens{client: client} }

func tokenKey(userID string) string { return "device:token:" + userID }

func (r *RedisTokens) Register(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	return r.client.Set(ctx, tokenKey(userID), token, 0).Err()
}

func (r *RedisTokens) Token(ctx context.Context, userID string) (string, error) {
	v, err := r.client.Get(ctx, tokenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
