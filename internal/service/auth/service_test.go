package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/ssh"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/repository"
	"github.com/splax/exoframed/pkg/config"
	jwtpkg "github.com/splax/exoframed/pkg/jwt"
)

func TestLoginWithAuthorizedKey(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)
	svc, _, _ := newService(t, writeKeys(t, other, key))
	ctx := context.Background()

	challenge, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if challenge.Phrase != "hello exoframe "+challenge.UID {
		t.Fatalf("unexpected phrase %q", challenge.Phrase)
	}
	signed := signPhrase(t, challenge.Phrase, key)

	token, err := svc.CompleteLogin(ctx, domain.User{Username: "alice"}, signed, challenge.UID)
	if err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	identity, err := svc.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if identity.User.Username != "alice" || identity.Deploy {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestLoginRejectsAlteredPhraseAndUnknownKey(t *testing.T) {
	key := generateKey(t)
	stranger := generateKey(t)
	svc, _, _ := newService(t, writeKeys(t, key))
	ctx := context.Background()

	challenge, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	altered := challenge.Phrase[:len(challenge.Phrase)-1] + "x"
	if altered == challenge.Phrase {
		altered = challenge.Phrase[:len(challenge.Phrase)-1] + "y"
	}
	_, err = svc.CompleteLogin(ctx, domain.User{Username: "alice"}, signPhrase(t, altered, key), challenge.UID)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for altered phrase, got %v", err)
	}

	challenge, err = svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	_, err = svc.CompleteLogin(ctx, domain.User{Username: "alice"}, signPhrase(t, challenge.Phrase, stranger), challenge.UID)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for absent key, got %v", err)
	}
}

func TestLoginChallengeIsSingleUse(t *testing.T) {
	key := generateKey(t)
	svc, _, _ := newService(t, writeKeys(t, key))
	ctx := context.Background()

	challenge, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	signed := signPhrase(t, challenge.Phrase, key)
	if _, err := svc.CompleteLogin(ctx, domain.User{Username: "alice"}, signed, challenge.UID); err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	if _, err := svc.CompleteLogin(ctx, domain.User{Username: "alice"}, signed, challenge.UID); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected replay to fail with ErrChallengeNotFound, got %v", err)
	}
}

func TestLoginMissingCredentialsCheckedFirst(t *testing.T) {
	svc, challenges, _ := newService(t, filepath.Join(t.TempDir(), "missing"))
	challenges.takeFunc = func(context.Context, string) (*domain.LoginChallenge, error) {
		t.Fatalf("challenge store must not be consulted")
		return nil, nil
	}
	if _, err := svc.CompleteLogin(context.Background(), domain.User{}, "token", "id"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := svc.CompleteLogin(context.Background(), domain.User{Username: "alice"}, " ", "id"); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestLoginUnknownRequestID(t *testing.T) {
	svc, _, _ := newService(t, writeKeys(t, generateKey(t)))
	if _, err := svc.CompleteLogin(context.Background(), domain.User{Username: "alice"}, "a.b.c", "nope"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestLoginKeyFileUnreadable(t *testing.T) {
	key := generateKey(t)
	svc, _, _ := newService(t, filepath.Join(t.TempDir(), "missing"))
	ctx := context.Background()
	challenge, err := svc.IssueChallenge(ctx)
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	_, err = svc.CompleteLogin(ctx, domain.User{Username: "alice"}, signPhrase(t, challenge.Phrase, key), challenge.UID)
	if !errors.Is(err, ErrKeyFileUnreadable) {
		t.Fatalf("expected ErrKeyFileUnreadable, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unreadable key file must be distinct from unauthorized")
	}
}

func TestDeployTokenRevocation(t *testing.T) {
	svc, _, _ := newService(t, "")
	ctx := context.Background()
	alice := domain.User{Username: "alice"}

	token, err := svc.IssueDeployToken(ctx, alice, "ci")
	if err != nil {
		t.Fatalf("IssueDeployToken: %v", err)
	}
	identity, err := svc.Verify(ctx, token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !identity.Deploy || identity.TokenName != "ci" {
		t.Fatalf("unexpected identity %+v", identity)
	}

	res, err := svc.RevokeDeployToken(ctx, alice, "ci")
	if err != nil {
		t.Fatalf("RevokeDeployToken: %v", err)
	}
	if !res.Removed {
		t.Fatalf("expected first revoke to remove the token")
	}
	if _, err := svc.Verify(ctx, token); !errors.Is(err, ErrTokenRevokedOrUnknown) {
		t.Fatalf("expected ErrTokenRevokedOrUnknown, got %v", err)
	}

	res, err = svc.RevokeDeployToken(ctx, alice, "ci")
	if err != nil {
		t.Fatalf("second RevokeDeployToken: %v", err)
	}
	if res.Removed || res.Reason != "Token does not exist" {
		t.Fatalf("unexpected second revoke result %+v", res)
	}
}

func TestDuplicateDeployTokensRevokedTogether(t *testing.T) {
	svc, _, tokens := newService(t, "")
	ctx := context.Background()
	alice := domain.User{Username: "alice"}
	first, err := svc.IssueDeployToken(ctx, alice, "ci")
	if err != nil {
		t.Fatalf("IssueDeployToken: %v", err)
	}
	if _, err := svc.IssueDeployToken(ctx, alice, "ci"); err != nil {
		t.Fatalf("IssueDeployToken: %v", err)
	}
	list, err := svc.ListDeployTokens(ctx, alice)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected two records, got %d err=%v", len(list), err)
	}
	if _, err := svc.RevokeDeployToken(ctx, alice, "ci"); err != nil {
		t.Fatalf("RevokeDeployToken: %v", err)
	}
	if len(tokens.records) != 0 {
		t.Fatalf("expected all matching records removed, %d left", len(tokens.records))
	}
	if _, err := svc.Verify(ctx, first); !errors.Is(err, ErrTokenRevokedOrUnknown) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
}

func TestVerifyErrors(t *testing.T) {
	svc, _, _ := newService(t, "")
	ctx := context.Background()

	if _, err := svc.Verify(ctx, ""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}

	foreign, err := jwtpkg.GenerateSessionToken(jwtpkg.User{Username: "alice"}, "other-secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSessionToken: %v", err)
	}
	if _, err := svc.Verify(ctx, foreign); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	noUser, err := jwtpkg.GenerateSessionToken(jwtpkg.User{}, "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSessionToken: %v", err)
	}
	if _, err := svc.Verify(ctx, noUser); !errors.Is(err, ErrMalformedClaims) {
		t.Fatalf("expected ErrMalformedClaims, got %v", err)
	}
}

func TestVerifyExpiredSession(t *testing.T) {
	svc, _, _ := newService(t, "")
	claims := jwtpkg.Claims{LoggedIn: true, User: &jwtpkg.User{Username: "alice"}}
	claims.ExpiresAt = jwtlib.NewNumericDate(time.Now().Add(-time.Minute))
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.Verify(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestParseAuthorizedKeysSkipsBlankAndForeignLines(t *testing.T) {
	key := generateKey(t)
	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("ssh public key: %v", err)
	}
	content := "\n# comment\nnot a key\n" + string(ssh.MarshalAuthorizedKey(pub)) + "\n\n"
	keys := ParseAuthorizedKeys([]byte(content))
	if len(keys) != 1 || keys[0].N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("expected exactly the rsa key, got %d keys", len(keys))
	}
}

func newService(t *testing.T, keysPath string) (Service, *challengeStoreMock, *tokenRegistryMock) {
	t.Helper()
	challenges := &challengeStoreMock{items: map[string]domain.LoginChallenge{}}
	tokens := &tokenRegistryMock{}
	cfg := config.DefaultServerConfig()
	cfg.JWTSecret = "secret"
	return New(KeyFile{Path: keysPath}, challenges, tokens, newLogger(), cfg), challenges, tokens
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writeKeys(t *testing.T, keys ...*rsa.PrivateKey) string {
	t.Helper()
	var b strings.Builder
	for _, key := range keys {
		pub, err := ssh.NewPublicKey(&key.PublicKey)
		if err != nil {
			t.Fatalf("ssh public key: %v", err)
		}
		b.Write(ssh.MarshalAuthorizedKey(pub))
		b.WriteString("\n")
	}
	path := filepath.Join(t.TempDir(), "authorized_keys")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	return path
}

func signPhrase(t *testing.T, phrase string, key *rsa.PrivateKey) string {
	t.Helper()
	signed, err := jwtpkg.SignPhrase(phrase, key)
	if err != nil {
		t.Fatalf("SignPhrase: %v", err)
	}
	return signed
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type challengeStoreMock struct {
	items    map[string]domain.LoginChallenge
	takeFunc func(ctx context.Context, uid string) (*domain.LoginChallenge, error)
}

func (m *challengeStoreMock) SaveChallenge(_ context.Context, c domain.LoginChallenge, _ time.Duration) error {
	m.items[c.UID] = c
	return nil
}

func (m *challengeStoreMock) TakeChallenge(ctx context.Context, uid string) (*domain.LoginChallenge, error) {
	if m.takeFunc != nil {
		return m.takeFunc(ctx, uid)
	}
	c, ok := m.items[uid]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(m.items, uid)
	return &c, nil
}

type tokenRegistryMock struct {
	records []domain.DeployTokenRecord
}

func (m *tokenRegistryMock) CreateDeployToken(_ context.Context, rec *domain.DeployTokenRecord) error {
	m.records = append(m.records, *rec)
	return nil
}

func (m *tokenRegistryMock) ListDeployTokens(_ context.Context, username string) ([]domain.DeployTokenRecord, error) {
	var out []domain.DeployTokenRecord
	for _, r := range m.records {
		if r.Username == username {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *tokenRegistryMock) DeployTokenExists(_ context.Context, username, name string) (bool, error) {
	for _, r := range m.records {
		if r.Username == username && r.TokenName == name {
			return true, nil
		}
	}
	return false, nil
}

func (m *tokenRegistryMock) DeleteDeployTokens(_ context.Context, username, name string) (int, error) {
	kept := m.records[:0]
	removed := 0
	for _, r := range m.records {
		if r.Username == username && r.TokenName == name {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return removed, nil
}
