package jwt

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// User identifies the operator a token was issued to.
type User struct {
	Username string `json:"username"`
}

// Claims defines the session and deploy token payload.
type Claims struct {
	LoggedIn  bool   `json:"loggedIn"`
	User      *User  `json:"user,omitempty"`
	TokenName string `json:"tokenName,omitempty"`
	Deploy    bool   `json:"deploy,omitempty"`
	jwtlib.RegisteredClaims
}

// ErrPhraseMismatch is returned when a login token verifies but carries a
// different payload than the expected phrase.
var ErrPhraseMismatch = errors.New("jwt: phrase mismatch")

// GenerateSessionToken issues an HS256 token for an interactive login. A
// zero ttl produces a token without an exp claim.
func GenerateSessionToken(user User, secret string, ttl time.Duration) (string, error) {
	claims := Claims{LoggedIn: true, User: &user}
	stamp(&claims.RegisteredClaims, ttl)
	return sign(claims, secret)
}

// GenerateDeployToken issues an HS256 deploy token. Deploy tokens carry no
// expiry; they are revoked through the token registry.
func GenerateDeployToken(user User, tokenName, secret string) (string, error) {
	claims := Claims{LoggedIn: true, User: &user, TokenName: tokenName, Deploy: true}
	stamp(&claims.RegisteredClaims, 0)
	return sign(claims, secret)
}

// Parse validates an HS256 token and extracts its claims.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// VerifyPhrase checks that token is an RS256 JWS signed by key whose
// payload decodes to phrase. The payload may be a bare string or a JSON
// string literal.
func VerifyPhrase(token, phrase string, key *rsa.PublicKey) error {
	if key == nil {
		return errors.New("jwt: nil verification key")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return jwtlib.ErrTokenMalformed
	}
	header, err := decodeSegment(parts[0])
	if err != nil {
		return fmt.Errorf("%w: header: %v", jwtlib.ErrTokenMalformed, err)
	}
	var h struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &h); err != nil {
		return fmt.Errorf("%w: header: %v", jwtlib.ErrTokenMalformed, err)
	}
	if h.Alg != jwtlib.SigningMethodRS256.Alg() {
		return jwtlib.ErrTokenSignatureInvalid
	}
	sig, err := decodeSegment(parts[2])
	if err != nil {
		return fmt.Errorf("%w: signature: %v", jwtlib.ErrTokenMalformed, err)
	}
	if err := jwtlib.SigningMethodRS256.Verify(parts[0]+"."+parts[1], sig, key); err != nil {
		return err
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		return fmt.Errorf("%w: payload: %v", jwtlib.ErrTokenMalformed, err)
	}
	decoded := string(payload)
	var literal string
	if err := json.Unmarshal(payload, &literal); err == nil {
		decoded = literal
	}
	if decoded != phrase {
		return ErrPhraseMismatch
	}
	return nil
}

// SignPhrase produces the RS256 login response for phrase, the way the
// command line client signs a challenge with the operator's private key.
func SignPhrase(phrase string, key *rsa.PrivateKey) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(phrase))
	signingString := header + "." + payload
	sig, err := jwtlib.SigningMethodRS256.Sign(signingString, key)
	if err != nil {
		return "", err
	}
	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func stamp(claims *jwtlib.RegisteredClaims, ttl time.Duration) {
	now := time.Now()
	claims.Issuer = "exoframe"
	claims.IssuedAt = jwtlib.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwtlib.NewNumericDate(now.Add(ttl))
	}
}

func sign(claims Claims, secret string) (string, error) {
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}
