package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lineboard/lineboard/internal/catalog"
	"github.com/lineboard/lineboard/pkg/errors"
	"github.com/lineboard/lineboard/pkg/redis"
)

const (
	sessionKeyPrefix = "session:"
	sessionTTL       = 12 * time.Hour
)

// SessionAuth resolves websocket identity from Redis-backed session tokens
// and answers access checks from the catalog's grant tables.
type SessionAuth struct {
	sessions *redis.Client
	catalog  *catalog.Catalog
}

// NewSessionAuth creates a SessionAuth.
func NewSessionAuth(sessions *redis.Client, cat *catalog.Catalog) *SessionAuth {
	return &SessionAuth{sessions: sessions, catalog: cat}
}

// Authenticate maps a session token to a user id. Unknown or expired tokens
// are rejected; there is no anonymous fallback.
func (a *SessionAuth) Authenticate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New(errors.ErrAuthorizationDenied, 401, "session token is required")
	}
	userID, err := a.sessions.Get(ctx, sessionKeyPrefix+token)
	if err != nil {
		if redis.IsNilError(err) {
			return "", errors.New(errors.ErrAuthorizationDenied, 401, "unknown or expired session")
		}
		return "", fmt.Errorf("session lookup: %w", err)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New(errors.ErrAuthorizationDenied, 401, "session has no user")
	}
	return userID, nil
}

// Grant registers a session token for a user. Used by the login surface and
// by tests.
func (a *SessionAuth) Grant(ctx context.Context, token, userID string) error {
	return a.sessions.Set(ctx, sessionKeyPrefix+token, userID, sessionTTL)
}

// Revoke drops a session token.
func (a *SessionAuth) Revoke(ctx context.Context, token string) error {
	return a.sessions.Del(ctx, sessionKeyPrefix+token)
}

// HasLineAccess reports whether the user may view the line's dashboards.
func (a *SessionAuth) HasLineAccess(ctx context.Context, userID, line string) (bool, error) {
	return a.catalog.HasLineAccess(ctx, userID, line)
}

// IsOperator reports whether the user may watch aggregation job progress.
func (a *SessionAuth) IsOperator(ctx context.Context, userID string) (bool, error) {
	return a.catalog.IsOperator(ctx, userID)
}
