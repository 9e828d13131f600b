package httpx

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/service/auth"
	"github.com/splax/exoframed/internal/stream"
)

//go:embed assets/home.html
var homePage []byte

// Authenticator is the login and token surface the router depends on.
type Authenticator interface {
	IssueChallenge(ctx context.Context) (domain.LoginChallenge, error)
	CompleteLogin(ctx context.Context, user domain.User, signedToken, requestID string) (string, error)
	IssueDeployToken(ctx context.Context, user domain.User, tokenName string) (string, error)
	ListDeployTokens(ctx context.Context, user domain.User) ([]domain.DeployTokenRecord, error)
	RevokeDeployToken(ctx context.Context, user domain.User, tokenName string) (auth.RevokeResult, error)
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// Deployer starts deployments from uploaded archives.
type Deployer interface {
	Deploy(ctx context.Context, user domain.User, archive io.Reader) (*stream.Stream, error)
	Update(ctx context.Context, user domain.User, archive io.Reader) (*stream.Stream, error)
}

// Options carries the optional router dependencies.
type Options struct {
	LoginRateLimit int
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer

	// TrustedProxies are IPs or CIDRs whose X-Forwarded-For header is
	// honoured. Other peers are keyed by RemoteAddr.
	TrustedProxies []string

	// HealthChecks are reported by /healthz under their map key.
	HealthChecks map[string]func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	auth         Authenticator
	deploy       Deployer
	limiter      RateLimiter
	loginLimit   int
	trusted      []netip.Prefix
	healthChecks map[string]func(context.Context) error
	gatherer     prometheus.Gatherer

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	healthCheckTimeout = 2 * time.Second
	maxJSONBody        = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc Authenticator, deploySvc Deployer, limiter RateLimiter, opts Options) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		auth:         authSvc,
		deploy:       deploySvc,
		limiter:      limiter,
		loginLimit:   opts.LoginRateLimit,
		healthChecks: opts.HealthChecks,
		gatherer:     opts.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	for _, raw := range opts.TrustedProxies {
		prefix, err := parseTrustedProxy(raw)
		if err != nil {
			logger.Warn("ignoring trusted proxy", "value", raw, "error", err)
			continue
		}
		r.trusted = append(r.trusted, prefix)
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics(opts.Registerer)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/{$}", r.audit("/", r.handleHome))
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/login", r.audit("/login", r.handleLogin))
	r.mux.HandleFunc("/checkToken", r.audit("/checkToken", r.requireAuth(r.handleCheckToken)))
	r.mux.HandleFunc("/deployToken", r.audit("/deployToken", r.requireSession(r.handleDeployToken)))
	r.mux.HandleFunc("/deploy", r.audit("/deploy", r.requireAuth(r.handleDeploy(false))))
	r.mux.HandleFunc("/update", r.audit("/update", r.requireAuth(r.handleDeploy(true))))
}

func (r *Router) handleHome(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(homePage)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		challenge, err := r.auth.IssueChallenge(req.Context())
		if err != nil {
			r.logger.Error("issue login challenge", "error", err)
			writeError(w, http.StatusInternalServerError, "could not create login request")
			return
		}
		writeJSON(w, http.StatusOK, challenge)
	case http.MethodPost:
		r.withRateLimit("login", r.loginLimit, rateWindowDefault, r.rateLimitKeyIP, r.completeLogin)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) completeLogin(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		User      json.RawMessage `json:"user"`
		Token     string          `json:"token"`
		RequestID string          `json:"requestId"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := r.auth.CompleteLogin(req.Context(), parseLoginUser(payload.User), payload.Token, payload.RequestID)
	if err != nil {
		writeError(w, authStatus(err), authMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// parseLoginUser accepts the user either as {"username": ...} or as a bare
// string.
func parseLoginUser(raw json.RawMessage) domain.User {
	if len(raw) == 0 {
		return domain.User{}
	}
	var user domain.User
	if err := json.Unmarshal(raw, &user); err == nil {
		return user
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return domain.User{Username: name}
	}
	return domain.User{}
}

func (r *Router) handleCheckToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for token check", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Token is valid",
		"credentials": identity.User,
	})
}

func (r *Router) handleDeployToken(w http.ResponseWriter, req *http.Request) {
	identity, ok := identityFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deploy token route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		tokens, err := r.auth.ListDeployTokens(req.Context(), identity.User)
		if err != nil {
			r.logger.Error("list deploy tokens", "user", identity.User.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "could not list deploy tokens")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
	case http.MethodPost:
		name, ok := r.tokenName(w, req)
		if !ok {
			return
		}
		token, err := r.auth.IssueDeployToken(req.Context(), identity.User, name)
		if err != nil {
			r.logger.Error("issue deploy token", "user", identity.User.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "could not create deploy token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	case http.MethodDelete:
		name, ok := r.tokenName(w, req)
		if !ok {
			return
		}
		result, err := r.auth.RevokeDeployToken(req.Context(), identity.User, name)
		if err != nil {
			r.logger.Error("revoke deploy token", "user", identity.User.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "could not remove deploy token")
			return
		}
		if !result.Removed {
			writeJSON(w, http.StatusOK, result)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) tokenName(w http.ResponseWriter, req *http.Request) (string, bool) {
	var payload struct {
		TokenName string `json:"tokenName"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	name := strings.TrimSpace(payload.TokenName)
	if name == "" {
		writeError(w, http.StatusBadRequest, "tokenName is required")
		return "", false
	}
	return name, true
}

// handleDeploy streams progress events as newline-delimited JSON. Once the
// stream has started, failures are reported inside it and the status stays 200.
func (r *Router) handleDeploy(update bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		identity, ok := identityFromContext(req.Context())
		if !ok {
			r.logger.Error("auth context missing for deploy route", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		start := r.deploy.Deploy
		if update {
			start = r.deploy.Update
		}
		s, err := start(req.Context(), identity.User, req.Body)
		if err != nil {
			r.logger.Warn("deploy rejected", "user", identity.User.Username, "update", update, "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.writeStream(w, req, s)
	}
}

func (r *Router) writeStream(w http.ResponseWriter, req *http.Request, s *stream.Stream) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	enc := json.NewEncoder(w)
	for {
		select {
		case event, ok := <-s.Events():
			if !ok {
				return
			}
			if err := enc.Encode(event); err != nil {
				r.logger.Warn("deploy stream write failed", "path", req.URL.Path, "error", err)
				go s.Drain()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-req.Context().Done():
			// The deployment keeps running; keep its stream moving.
			go s.Drain()
			return
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any, len(r.healthChecks))
	status := "ok"
	for name, check := range r.healthChecks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if identity, ok := identityFromContext(ctx); ok {
			actor = "user"
			if identity.Deploy {
				actor = "deploy_token"
				fields = append(fields, "token_name", identity.TokenName)
			}
			fields = append(fields, "user", identity.User.Username)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func decodeJSON(req *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(req.Body, maxJSONBody)).Decode(v)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
