package domain

import (
	"strings"
	"time"
)

// TokenPrefix is the fixed prefix on tokens captured from the Ignition login.
const TokenPrefix = "token="

// Session is the credential and project scope for a run. It is passed by value
// to every job call and never mutated; a refresh produces a new Session.
type Session struct {
	Token      string
	ProjectID  string
	MaxResults int
	IssuedAt   time.Time
}

// NewSession strips TokenPrefix from a raw provider token and builds a Session.
func NewSession(rawToken, projectID string, maxResults int, issuedAt time.Time) (Session, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Session{}, &AuthError{Reason: "token is empty"}
	}
	if !strings.HasPrefix(rawToken, TokenPrefix) {
		return Session{}, &AuthError{Reason: "token is missing the " + TokenPrefix + " prefix"}
	}
	token := rawToken[len(TokenPrefix):]
	if token == "" {
		return Session{}, &AuthError{Reason: "token has no value after prefix"}
	}
	return Session{
		Token:      token,
		ProjectID:  projectID,
		MaxResults: maxResults,
		IssuedAt:   issuedAt,
	}, nil
}

// Age reports how long ago the session's token was issued.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.IssuedAt)
}
