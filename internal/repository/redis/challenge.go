// Package redis keeps login challenges in Redis so several server
// processes can share them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/repository"
)

const defaultPrefix = "exoframe:challenge:"

// ChallengeStore implements repository.ChallengeStore on Redis.
type ChallengeStore struct {
	client *redis.Client
	prefix string
}

var (
	_ repository.ChallengeStore = (*ChallengeStore)(nil)
	_ repository.Pinger         = (*ChallengeStore)(nil)
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*ChallengeStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis: address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts.Prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &ChallengeStore{client: client, prefix: prefix}
}

// SaveChallenge stores the challenge with ttl (no expiry when ttl <= 0).
func (s *ChallengeStore) SaveChallenge(ctx context.Context, challenge domain.LoginChallenge, ttl time.Duration) error {
	if challenge.UID == "" {
		return repository.ErrInvalidArgument
	}
	data, err := json.Marshal(challengeRecord{
		UID:       challenge.UID,
		Phrase:    challenge.Phrase,
		CreatedAt: challenge.CreatedAt,
		ExpiresAt: challenge.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefix+challenge.UID, data, ttl).Err(); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

// TakeChallenge atomically reads and deletes the challenge with GETDEL.
func (s *ChallengeStore) TakeChallenge(ctx context.Context, uid string) (*domain.LoginChallenge, error) {
	raw, err := s.client.GetDel(ctx, s.prefix+uid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("take challenge: %w", err)
	}
	var rec challengeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	challenge := &domain.LoginChallenge{
		UID:       rec.UID,
		Phrase:    rec.Phrase,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if challenge.Expired(time.Now()) {
		return nil, repository.ErrNotFound
	}
	return challenge, nil
}

// Ping checks the connection.
func (s *ChallengeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *ChallengeStore) Close() error {
	return s.client.Close()
}

type challengeRecord struct {
	UID       string    `json:"uid"`
	Phrase    string    `json:"phrase"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
