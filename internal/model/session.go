package model

import "time"

// Session is the durable record behind a live agent connection. The row is
// the source of truth for validity; tokens are only checked at creation.
type Session struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Provider   string    `json:"provider"`
	StartedAt  time.Time `json:"started_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Token      string    `json:"-"`
	Active     bool      `json:"active"`
}

// Valid reports whether the session is active and unexpired at the given
// time.
func (s *Session) Valid(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// Provider is an identity provider trusted to sign agent tokens.
type Provider struct {
	Name     string `json:"name"`
	Secret   string `json:"-"`
	Disabled bool   `json:"disabled"`
}
