package repository

import (
	"context"
	"time"

	"github.com/splax/exoframed/internal/domain"
)

// ChallengeStore keeps outstanding login challenges.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, challenge domain.LoginChallenge, ttl time.Duration) error
	// TakeChallenge returns the challenge for uid and removes it, so a
	// challenge can complete at most one login. ErrNotFound when absent or
	// expired.
	TakeChallenge(ctx context.Context, uid string) (*domain.LoginChallenge, error)
}

// TokenRegistry persists the allowlist of issued deploy tokens.
type TokenRegistry interface {
	CreateDeployToken(ctx context.Context, record *domain.DeployTokenRecord) error
	ListDeployTokens(ctx context.Context, username string) ([]domain.DeployTokenRecord, error)
	DeployTokenExists(ctx context.Context, username, tokenName string) (bool, error)
	// DeleteDeployTokens removes every record matching (username,
	// tokenName) and reports how many were removed.
	DeleteDeployTokens(ctx context.Context, username, tokenName string) (int, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
