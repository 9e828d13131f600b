package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/repository"
	"github.com/splax/exoframed/pkg/config"
	jwtpkg "github.com/splax/exoframed/pkg/jwt"
)

// maxParallelKeyChecks bounds concurrent RS256 verifications per login.
const maxParallelKeyChecks = 8

// Service handles the challenge login and token workflows.
type Service struct {
	keys       KeySource
	challenges repository.ChallengeStore
	tokens     repository.TokenRegistry
	logger     *slog.Logger
	cfg        config.ServerConfig
	now        func() time.Time
}

// New constructs a Service.
func New(keys KeySource, challenges repository.ChallengeStore, tokens repository.TokenRegistry, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{keys: keys, challenges: challenges, tokens: tokens, logger: logger, cfg: cfg, now: time.Now}
}

// RevokeResult reports the outcome of a deploy token revocation.
type RevokeResult struct {
	Removed bool   `json:"removed"`
	Reason  string `json:"reason,omitempty"`
}

// IssueChallenge creates and stores a new login challenge.
func (s Service) IssueChallenge(ctx context.Context) (domain.LoginChallenge, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return domain.LoginChallenge{}, fmt.Errorf("generate challenge id: %w", err)
	}
	now := s.now().UTC()
	challenge := domain.LoginChallenge{
		UID:       id.String(),
		Phrase:    domain.ChallengePrefix + id.String(),
		CreatedAt: now,
	}
	if s.cfg.ChallengeTTL > 0 {
		challenge.ExpiresAt = now.Add(s.cfg.ChallengeTTL)
	}
	if err := s.challenges.SaveChallenge(ctx, challenge, s.cfg.ChallengeTTL); err != nil {
		return domain.LoginChallenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return challenge, nil
}

// CompleteLogin checks that signedToken carries the challenge phrase for
// requestID signed by one of the authorized keys, and returns a session token.
// The challenge is consumed whether or not verification succeeds.
func (s Service) CompleteLogin(ctx context.Context, user domain.User, signedToken, requestID string) (string, error) {
	user.Username = strings.TrimSpace(user.Username)
	signedToken = strings.TrimSpace(signedToken)
	if user.Username == "" || signedToken == "" {
		return "", ErrMissingCredentials
	}

	challenge, err := s.challenges.TakeChallenge(ctx, strings.TrimSpace(requestID))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrChallengeNotFound
		}
		return "", fmt.Errorf("load challenge: %w", err)
	}

	keys, err := s.keys.PublicKeys()
	if err != nil {
		s.logger.Error("authorized keys unreadable", "error", err)
		if errors.Is(err, ErrKeyFileUnreadable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrKeyFileUnreadable, err)
	}

	if !anyKeyVerifies(signedToken, challenge.Phrase, keys) {
		s.logger.Warn("login rejected", "user", user.Username, "keys", len(keys))
		return "", ErrUnauthorized
	}

	token, err := jwtpkg.GenerateSessionToken(jwtpkg.User{Username: user.Username}, s.cfg.JWTSecret, s.cfg.SessionTokenTTL)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	s.logger.Info("user logged in", "user", user.Username)
	return token, nil
}

func anyKeyVerifies(token, phrase string, keys []*rsa.PublicKey) bool {
	var (
		g  errgroup.Group
		ok atomic.Bool
	)
	g.SetLimit(maxParallelKeyChecks)
	for _, key := range keys {
		g.Go(func() error {
			if ok.Load() {
				return nil
			}
			if jwtpkg.VerifyPhrase(token, phrase, key) == nil {
				ok.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ok.Load()
}

// IssueDeployToken records a deploy token for user and returns it signed.
func (s Service) IssueDeployToken(ctx context.Context, user domain.User, tokenName string) (string, error) {
	tokenName = strings.TrimSpace(tokenName)
	if user.Username == "" || tokenName == "" {
		return "", ErrMissingCredentials
	}
	record := &domain.DeployTokenRecord{
		ID:        uuid.NewString(),
		TokenName: tokenName,
		Username:  user.Username,
		CreatedAt: s.now().UTC(),
	}
	if err := s.tokens.CreateDeployToken(ctx, record); err != nil {
		return "", fmt.Errorf("store deploy token: %w", err)
	}
	token, err := jwtpkg.GenerateDeployToken(jwtpkg.User{Username: user.Username}, tokenName, s.cfg.JWTSecret)
	if err != nil {
		return "", fmt.Errorf("sign deploy token: %w", err)
	}
	s.logger.Info("deploy token issued", "user", user.Username, "token_name", tokenName)
	return token, nil
}

// ListDeployTokens returns the user's deploy token records.
func (s Service) ListDeployTokens(ctx context.Context, user domain.User) ([]domain.DeployTokenRecord, error) {
	records, err := s.tokens.ListDeployTokens(ctx, user.Username)
	if err != nil {
		return nil, fmt.Errorf("list deploy tokens: %w", err)
	}
	if records == nil {
		records = []domain.DeployTokenRecord{}
	}
	return records, nil
}

// RevokeDeployToken removes every record named tokenName for user. Revoking
// an unknown name is not an error.
func (s Service) RevokeDeployToken(ctx context.Context, user domain.User, tokenName string) (RevokeResult, error) {
	tokenName = strings.TrimSpace(tokenName)
	if tokenName == "" {
		return RevokeResult{}, ErrMissingCredentials
	}
	removed, err := s.tokens.DeleteDeployTokens(ctx, user.Username, tokenName)
	if err != nil {
		return RevokeResult{}, fmt.Errorf("revoke deploy token: %w", err)
	}
	if removed == 0 {
		return RevokeResult{Removed: false, Reason: "Token does not exist"}, nil
	}
	s.logger.Info("deploy token revoked", "user", user.Username, "token_name", tokenName, "records", removed)
	return RevokeResult{Removed: true}, nil
}

// Verify validates a session or deploy token and returns the caller identity.
func (s Service) Verify(ctx context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, ErrMissingCredentials
	}
	claims, err := jwtpkg.Parse(token, s.cfg.JWTSecret)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return domain.Identity{}, ErrTokenExpired
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !claims.LoggedIn || claims.User == nil || strings.TrimSpace(claims.User.Username) == "" {
		return domain.Identity{}, ErrMalformedClaims
	}
	identity := domain.Identity{
		User:      domain.User{Username: claims.User.Username},
		LoggedIn:  true,
		Deploy:    claims.Deploy,
		TokenName: claims.TokenName,
	}
	if !claims.Deploy {
		return identity, nil
	}
	exists, err := s.tokens.DeployTokenExists(ctx, identity.User.Username, claims.TokenName)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("lookup deploy token: %w", err)
	}
	if !exists {
		return domain.Identity{}, ErrTokenRevokedOrUnknown
	}
	return identity, nil
}
