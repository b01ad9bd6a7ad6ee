// Package expiry implements the sliding session expiry window.
package expiry

import (
	"time"

	"github.com/retailassist/session-server-go/internal/model"
)

const DefaultWindow = 7 * 24 * time.Hour

type Policy struct {
	Window time.Duration
}

func NewPolicy(window time.Duration) Policy {
	if window <= 0 {
		window = DefaultWindow
	}
	return Policy{Window: window}
}

// Next returns the expiry for activity recorded at now.
func (p Policy) Next(now time.Time) time.Time {
	return now.Add(p.Window)
}

// Touch records activity at now and slides the expiry forward. Neither
// timestamp is ever moved backwards, so a stale clock read cannot shorten a
// session.
func (p Policy) Touch(s *model.Session, now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	next := p.Next(now)
	if next.After(s.ExpiresAt) {
		s.ExpiresAt = next
	}
	if s.ExpiresAt.Before(s.LastActivityAt) {
		s.ExpiresAt = p.Next(s.LastActivityAt)
	}
}

// Resumable is the single predicate every lookup site applies.
func Resumable(s *model.Session, now time.Time) bool {
	return s != nil && s.IsResumable(now)
}
