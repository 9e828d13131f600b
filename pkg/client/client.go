// Package client is a Go client for the exoframe server API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/pkg/archive"
	"golang.org/x/crypto/ssh"

	jwtpkg "github.com/splax/exoframed/pkg/jwt"
)

// Client provides typed access to the exoframe server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided server base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, token string) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, reader, token)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Credentials identify the user a token belongs to.
type Credentials struct {
	Username string `json:"username"`
}

// Challenge is a pending login request.
type Challenge struct {
	Phrase string `json:"phrase"`
	UID    string `json:"uid"`
}

// Login signs a fresh challenge with key and exchanges it for a session token.
func (c *Client) Login(ctx context.Context, username string, key *rsa.PrivateKey) (string, error) {
	var challenge Challenge
	if _, err := c.do(ctx, http.MethodGet, "/login", nil, "", &challenge); err != nil {
		return "", err
	}
	signed, err := jwtpkg.SignPhrase(challenge.Phrase, key)
	if err != nil {
		return "", fmt.Errorf("sign login phrase: %w", err)
	}
	body := map[string]any{
		"user":      Credentials{Username: username},
		"token":     signed,
		"requestId": challenge.UID,
	}
	var resp struct {
		Token string `json:"token"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/login", body, "", &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// CheckToken returns the credentials carried by token.
func (c *Client) CheckToken(ctx context.Context, token string) (Credentials, error) {
	var resp struct {
		Credentials Credentials `json:"credentials"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/checkToken", nil, token, &resp); err != nil {
		return Credentials{}, err
	}
	return resp.Credentials, nil
}

// DeployToken is a deploy token record as listed by the server.
type DeployToken struct {
	ID        string    `json:"id"`
	TokenName string    `json:"tokenName"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateDeployToken mints a deploy token named name.
func (c *Client) CreateDeployToken(ctx context.Context, token, name string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/deployToken", map[string]string{"tokenName": name}, token, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// ListDeployTokens returns the caller's deploy tokens.
func (c *Client) ListDeployTokens(ctx context.Context, token string) ([]DeployToken, error) {
	var resp struct {
		Tokens []DeployToken `json:"tokens"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/deployToken", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

// RevokeDeployToken removes the deploy tokens named name. It reports false
// when no such token existed.
func (c *Client) RevokeDeployToken(ctx context.Context, token, name string) (bool, error) {
	status, err := c.do(ctx, http.MethodDelete, "/deployToken", map[string]string{"tokenName": name}, token, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusNoContent, nil
}

// Event is one deploy progress message.
type Event struct {
	Message string         `json:"message"`
	Level   string         `json:"level"`
	Data    map[string]any `json:"data,omitempty"`
}

// ErrDeployFailed is returned when the deploy stream ends with an error event.
var ErrDeployFailed = errors.New("client: deployment failed")

// Deploy uploads archive and calls onEvent for each progress event until the
// server closes the stream. With update set, the previous generation is
// retired by the server once the new one is up.
func (c *Client) Deploy(ctx context.Context, token string, archive io.Reader, update bool, onEvent func(Event)) error {
	path := "/deploy"
	if update {
		path = "/update"
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, archive, token)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	// The stream lasts as long as the build does.
	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	var failed *Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("decode deploy event: %w", err)
		}
		if onEvent != nil {
			onEvent(event)
		}
		if event.Level == "error" {
			e := event
			failed = &e
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read deploy stream: %w", err)
	}
	if failed != nil {
		return fmt.Errorf("%w: %s", ErrDeployFailed, failed.Message)
	}
	return nil
}

// PackProject tars dir for upload, skipping dependency and VCS folders.
func PackProject(dir string) (io.ReadCloser, error) {
	return archive.TarWithOptions(dir, &archive.TarOptions{
		Compression:     archive.Gzip,
		ExcludePatterns: []string{"node_modules", ".git"},
	})
}

// LoadPrivateKey reads an RSA private key in PEM or OpenSSH format.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is %T, want RSA", path, raw)
	}
	return key, nil
}
