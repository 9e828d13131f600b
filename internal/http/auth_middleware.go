package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/exoframed/internal/domain"
	"github.com/splax/exoframed/internal/service/auth"
)

type authContextKey string

const contextKeyIdentity authContextKey = "exoframe-identity"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth accepts session and deploy tokens.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// requireSession rejects deploy tokens; they cannot mint or revoke other
// deploy tokens.
func (r *Router) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		identity, _ := identityFromContext(req.Context())
		if identity.Deploy {
			writeError(w, http.StatusUnauthorized, "Deploy tokens cannot manage deploy tokens!")
			return
		}
		next(w, req)
	})
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, domain.Identity, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, err.Error())
		return req.Context(), domain.Identity{}, false
	}
	identity, err := r.auth.Verify(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, authStatus(err), authMessage(err))
		return req.Context(), domain.Identity{}, false
	}
	ctx := context.WithValue(req.Context(), contextKeyIdentity, identity)
	return ctx, identity, true
}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	value := ctx.Value(contextKeyIdentity)
	if value == nil {
		return domain.Identity{}, false
	}
	identity, ok := value.(domain.Identity)
	return identity, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("no authorization header provided")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("no token provided")
	}
	return token, nil
}

// authStatus maps authenticator errors to response codes. Only an unreadable
// key file is reported as 405, matching what deployed clients expect.
func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrKeyFileUnreadable):
		return http.StatusMethodNotAllowed
	case errors.Is(err, auth.ErrMissingCredentials),
		errors.Is(err, auth.ErrChallengeNotFound),
		errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, auth.ErrMalformedClaims),
		errors.Is(err, auth.ErrTokenRevokedOrUnknown),
		errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return "No token given!"
	case errors.Is(err, auth.ErrChallengeNotFound):
		return "Login request not found!"
	case errors.Is(err, auth.ErrUnauthorized):
		return "Not authorized!"
	case errors.Is(err, auth.ErrKeyFileUnreadable):
		return "Could not read public keys file! " + err.Error()
	case errors.Is(err, auth.ErrTokenRevokedOrUnknown):
		return "Deploy token not found!"
	case errors.Is(err, auth.ErrTokenExpired):
		return "Token expired!"
	case errors.Is(err, auth.ErrMalformedClaims):
		return "Decoded token invalid!"
	case errors.Is(err, auth.ErrBadSignature):
		return "invalid signature"
	default:
		return "internal error"
	}
}
