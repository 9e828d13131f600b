package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/docker/pkg/archive"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/exoframed/internal/domain"
	httpx "github.com/splax/exoframed/internal/http"
	badgerstore "github.com/splax/exoframed/internal/repository/badger"
	"github.com/splax/exoframed/internal/service/auth"
	"github.com/splax/exoframed/internal/stream"
	"github.com/splax/exoframed/pkg/config"
)

func TestLoginAndDeployTokens(t *testing.T) {
	key := generateKey(t)
	srv := newServer(t, key, nil)
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	session, err := cli.Login(ctx, "alice", key)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	creds, err := cli.CheckToken(ctx, session)
	if err != nil || creds.Username != "alice" {
		t.Fatalf("CheckToken: %+v %v", creds, err)
	}

	deployToken, err := cli.CreateDeployToken(ctx, session, "ci")
	if err != nil {
		t.Fatalf("CreateDeployToken: %v", err)
	}
	tokens, err := cli.ListDeployTokens(ctx, session)
	if err != nil || len(tokens) != 1 || tokens[0].TokenName != "ci" {
		t.Fatalf("ListDeployTokens: %+v %v", tokens, err)
	}

	removed, err := cli.RevokeDeployToken(ctx, session, "ci")
	if err != nil || !removed {
		t.Fatalf("RevokeDeployToken: %v %v", removed, err)
	}
	removed, err = cli.RevokeDeployToken(ctx, session, "ci")
	if err != nil || removed {
		t.Fatalf("repeated revoke should report false: %v %v", removed, err)
	}

	_, err = cli.CheckToken(ctx, deployToken)
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked token, got %v", err)
	}
}

func TestLoginWithUnknownKey(t *testing.T) {
	srv := newServer(t, generateKey(t), nil)
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cli.Login(context.Background(), "alice", generateKey(t))
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Not authorized!" {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestDeployStreamsPackedProject(t *testing.T) {
	key := generateKey(t)
	unpacked := t.TempDir()
	deploy := func(_ context.Context, _ domain.User, r io.Reader) (*stream.Stream, error) {
		if err := archive.Untar(r, unpacked, &archive.TarOptions{NoLchown: true}); err != nil {
			return nil, err
		}
		s := stream.New()
		go func() {
			s.Info("building")
			s.Error("Build failed! Couldn't find a template for this project!")
			s.Close()
		}()
		return s, nil
	}
	srv := newServer(t, key, deploy)
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	session, err := cli.Login(context.Background(), "alice", key)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatalf("write project: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "node_modules", "x"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	packed, err := PackProject(dir)
	if err != nil {
		t.Fatalf("PackProject: %v", err)
	}
	defer packed.Close()

	var messages []string
	err = cli.Deploy(context.Background(), session, packed, false, func(e Event) {
		messages = append(messages, e.Message)
	})
	if !errors.Is(err, ErrDeployFailed) {
		t.Fatalf("expected ErrDeployFailed, got %v", err)
	}
	if len(messages) != 2 || messages[0] != "building" {
		t.Fatalf("unexpected messages %v", messages)
	}
	if _, err := os.Stat(filepath.Join(unpacked, "index.html")); err != nil {
		t.Fatalf("expected index.html in upload: %v", err)
	}
	if _, err := os.Stat(filepath.Join(unpacked, "node_modules")); !os.IsNotExist(err) {
		t.Fatalf("node_modules should be excluded, stat err %v", err)
	}
}

func TestLoadPrivateKey(t *testing.T) {
	key := generateKey(t)
	path := filepath.Join(t.TempDir(), "id_rsa")
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	loaded, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	if !loaded.Equal(key) {
		t.Fatalf("loaded key differs")
	}
	if _, err := LoadPrivateKey(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

type deployFunc func(ctx context.Context, user domain.User, archive io.Reader) (*stream.Stream, error)

func (f deployFunc) Deploy(ctx context.Context, user domain.User, archive io.Reader) (*stream.Stream, error) {
	if f == nil {
		return nil, errors.New("deploy not configured")
	}
	return f(ctx, user, archive)
}

func (f deployFunc) Update(ctx context.Context, user domain.User, archive io.Reader) (*stream.Stream, error) {
	return f.Deploy(ctx, user, archive)
}

type staticKeys []*rsa.PublicKey

func (k staticKeys) PublicKeys() ([]*rsa.PublicKey, error) { return k, nil }

func newServer(t *testing.T, key *rsa.PrivateKey, deploy deployFunc) *httptest.Server {
	t.Helper()
	store, err := badgerstore.Open(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultServerConfig()
	cfg.JWTSecret = "client-test"
	authSvc := auth.New(staticKeys{&key.PublicKey}, store, store, logger, cfg)
	reg := prometheus.NewRegistry()
	router := httpx.NewRouter(logger, authSvc, deploy, nil, httpx.Options{Registerer: reg, Gatherer: reg})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Close()
	})
	return srv
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
