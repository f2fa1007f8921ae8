// Package auth verifies agent tokens against per-provider signing secrets
// and manages the session rows that anchor every live connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridianworks/worldsync/internal/idgen"
	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

// Authentication failures are distinguishable so callers can report the
// specific reason to the agent.
var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrMalformedToken   = errors.New("malformed token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnreadableClaims = errors.New("unreadable claims")
	ErrSessionInvalid   = errors.New("session invalid")
)

// Identity is the result of a successful authentication.
type Identity struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
}

// Gateway authenticates tokens and owns session lifecycle against the store.
type Gateway struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewGateway creates a gateway. ttl bounds how long a session row stays
// valid after creation regardless of activity.
func NewGateway(s store.Store, ttl time.Duration, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:  s,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Authenticate verifies an HS256 token against the provider's secret and
// creates a session row for the embedded agent identity.
func (g *Gateway) Authenticate(ctx context.Context, provider, token string) (*Identity, error) {
	p, err := g.store.GetProvider(ctx, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownProvider
	}
	if err != nil {
		return nil, fmt.Errorf("lookup provider %s: %w", provider, err)
	}
	if p.Disabled {
		return nil, ErrUnknownProvider
	}

	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(p.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if claims.Subject == "" {
		return nil, ErrUnreadableClaims
	}

	sessionID, err := idgen.SessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := g.now()
	session := &model.Session{
		ID:         sessionID,
		AgentID:    claims.Subject,
		Provider:   provider,
		StartedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(g.ttl),
		Token:      token,
		Active:     true,
	}
	if err := g.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	g.logger.Info("session started",
		"session", session.ID,
		"agent", session.AgentID,
		"provider", provider)

	return &Identity{AgentID: session.AgentID, SessionID: session.ID}, nil
}

// ValidateSession checks that a session row is still active and unexpired.
// The row, not the original token, is the source of truth: a deactivated
// session fails validation even if its token would still verify.
func (g *Gateway) ValidateSession(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := g.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session %s: %w", sessionID, err)
	}
	if !session.Valid(g.now()) {
		return nil, ErrSessionInvalid
	}
	return session, nil
}

// Touch bumps a session's last_seen_at. Called on heartbeats.
func (g *Gateway) Touch(ctx context.Context, sessionID string) error {
	if err := g.store.TouchSession(ctx, sessionID, g.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionInvalid
		}
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

// End deactivates a session row. Ending an already inactive session is not
// an error.
func (g *Gateway) End(ctx context.Context, sessionID string) error {
	if err := g.store.DeactivateSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deactivate session %s: %w", sessionID, err)
	}
	return nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return ErrUnreadableClaims
	default:
		return ErrMalformedToken
	}
}
