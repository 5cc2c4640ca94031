package domain

import "time"

// Session status values.
const (
	SessionActive  = "active"
	SessionRevoked = "revoked"
)

// Session is durable auxiliary state (login cookies, browser context) with its
// own expiry, independent of any task.
type Session struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	// Data is opaque at the store boundary; the session store seals it.
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// ExpiresAt zero means the session never expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
