package internal

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
)

const (
	_tokenTTL       = 2 * time.Hour
	_refreshWindow  = 30 * time.Minute
	_tokenExpiresIn = int64(_tokenTTL / time.Second)
)

// Token authenticates WebSocket upgrades and job-state reads for a single
// job. One token is active at a time; refreshing replaces it.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newToken(now time.Time) Token {
	return Token{Value: uuid.NewString(), ExpiresAt: now.Add(_tokenTTL)}
}

// valid reports whether the presented value matches and the token hasn't
// expired. Expiry is exclusive: a token presented at exactly ExpiresAt is
// dead.
func (t Token) valid(presented string, now time.Time) bool {
	if t.Value == "" || presented == "" {
		return false
	}
	if !now.Before(t.ExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Value), []byte(presented)) == 1
}

// refreshable reports whether now falls inside the refresh window, the final
// 30 minutes of the token's life. Earlier refreshes are refused so clients
// can't mint immortal sessions by polling.
func (t Token) refreshable(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	open := t.ExpiresAt.Add(-_refreshWindow)
	return !now.Before(open) && now.Before(t.ExpiresAt)
}
