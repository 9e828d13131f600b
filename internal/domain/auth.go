package domain

import "time"

// ChallengePrefix is prepended to the uid to form the phrase a client signs.
const ChallengePrefix = "hello exoframe "

// User identifies an operator.
type User struct {
	Username string `json:"username"`
}

// LoginChallenge is one pending login attempt.
type LoginChallenge struct {
	UID       string    `json:"uid"`
	Phrase    string    `json:"phrase"`
	CreatedAt time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// Expired reports whether the challenge is expired relative to now.
func (c LoginChallenge) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.UTC().After(c.ExpiresAt.UTC())
}

// DeployTokenRecord is the persisted allowlist entry backing a deploy token.
type DeployTokenRecord struct {
	ID        string    `json:"id"`
	TokenName string    `json:"tokenName"`
	Username  string    `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity is the verified caller attached to a request.
type Identity struct {
	User      User   `json:"user"`
	LoggedIn  bool   `json:"loggedIn"`
	Deploy    bool   `json:"deploy,omitempty"`
	TokenName string `json:"tokenName,omitempty"`
}
