// Package session implements rotating crawl identities: a Session bundles
// cookies and a health score, and a Pool hands Sessions out to tasks,
// retiring and replacing ones that have gone bad.
package session

import "time"

// Session is a single crawling identity: its cookie jar, a fingerprint
// seed, and a health score that decays with errors and accumulates with
// use. It carries no reference back to its owning Pool — the pool tracks
// sessions by ID instead, which is what lets a Session be serialized and
// restored independently (see spec.md §9's note on breaking the cyclic
// session<->pool reference).
type Session struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time

	UsageCount    int
	MaxUsageCount int

	ErrorScore          float64
	MaxErrorScore       float64
	ErrorScoreDecrement float64

	// UserData holds cookies and any other opaque per-identity state a
	// handler wants to carry across requests made with this session.
	UserData map[string]any
}

// NewSession creates a Session with the given id, expiring at expiresAt and
// degrading per maxErrorScore/errorScoreDecrement/maxUsageCount.
func NewSession(id string, expiresAt time.Time, maxUsageCount int, maxErrorScore, errorScoreDecrement float64) *Session {
	return &Session{
		ID:                  id,
		CreatedAt:           time.Now(),
		ExpiresAt:           expiresAt,
		MaxUsageCount:       maxUsageCount,
		MaxErrorScore:       maxErrorScore,
		ErrorScoreDecrement: errorScoreDecrement,
		UserData:            make(map[string]any),
	}
}

// IsExpired reports whether the session has reached its time limit. Defined
// as now >= ExpiresAt (not now > ExpiresAt): a session is no longer usable
// at the exact instant it expires.
func (s *Session) IsExpired() bool {
	return !time.Now().Before(s.ExpiresAt)
}

// IsOverused reports whether the session has been used at least as many
// times as its configured maximum.
func (s *Session) IsOverused() bool {
	return s.UsageCount >= s.MaxUsageCount
}

// IsBlocked reports whether the session's accumulated error score has
// reached its configured ceiling.
func (s *Session) IsBlocked() bool {
	return s.ErrorScore >= s.MaxErrorScore
}

// IsUsable is a conjunction of negations, not an independent check: a
// session is usable exactly when it is none of expired, overused, or
// blocked. The checks short-circuit: evaluation stops at the first one that
// fails, and the result does not depend on their order.
func (s *Session) IsUsable() bool {
	return !s.IsExpired() && !s.IsOverused() && !s.IsBlocked()
}

// MarkGood records a successful use: increments the usage counter and
// decays the error score toward zero by ErrorScoreDecrement (never below
// zero).
func (s *Session) MarkGood() {
	s.UsageCount++
	s.ErrorScore -= s.ErrorScoreDecrement
	if s.ErrorScore < 0 {
		s.ErrorScore = 0
	}
}

// MarkBad records a failed use attributable to this session: increments
// both the usage counter and the error score by 1.
func (s *Session) MarkBad() {
	s.UsageCount++
	s.ErrorScore++
}

// Retire immediately makes the session permanently unusable, regardless of
// its remaining usage/error budget, by forcing it into the blocked state.
func (s *Session) Retire() {
	s.ErrorScore = s.MaxErrorScore
}
