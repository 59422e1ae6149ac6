package session

import (
	"testing"
	"time"
)

func TestSessionIsExpired(t *testing.T) {
	s := NewSession("s1", time.Now().Add(-time.Second), 10, 3, 0.5)
	if !s.IsExpired() {
		t.Error("expected session with a past ExpiresAt to be expired")
	}

	fresh := NewSession("s2", time.Now().Add(time.Hour), 10, 3, 0.5)
	if fresh.IsExpired() {
		t.Error("expected session with a future ExpiresAt to not be expired")
	}
}

func TestSessionIsExpiredAtExactBoundary(t *testing.T) {
	expiresAt := time.Now()
	s := &Session{ExpiresAt: expiresAt}
	time.Sleep(time.Millisecond)
	if !s.IsExpired() {
		t.Error("session should be expired once now >= ExpiresAt")
	}
}

func TestSessionIsOverused(t *testing.T) {
	s := NewSession("s1", time.Now().Add(time.Hour), 2, 3, 0.5)
	if s.IsOverused() {
		t.Error("fresh session should not be overused")
	}
	s.UsageCount = 2
	if !s.IsOverused() {
		t.Error("expected overused once UsageCount reaches MaxUsageCount")
	}
}

func TestSessionIsBlocked(t *testing.T) {
	s := NewSession("s1", time.Now().Add(time.Hour), 10, 3, 0.5)
	if s.IsBlocked() {
		t.Error("fresh session should not be blocked")
	}
	s.ErrorScore = 3
	if !s.IsBlocked() {
		t.Error("expected blocked once ErrorScore reaches MaxErrorScore")
	}
}

func TestSessionIsUsable(t *testing.T) {
	s := NewSession("s1", time.Now().Add(time.Hour), 10, 3, 0.5)
	if !s.IsUsable() {
		t.Error("fresh session should be usable")
	}

	s.Retire()
	if s.IsUsable() {
		t.Error("retired session should not be usable")
	}
}

func TestSessionMarkGoodDecaysErrorScore(t *testing.T) {
	s := NewSession("s1", time.Now().Add(time.Hour), 10, 3, 0.5)
	s.ErrorScore = 1
	s.MarkGood()
	if s.ErrorScore != 0.5 {
		t.Errorf("expected error score to decay to 0.5, got %v", s.ErrorScore)
	}
	if s.UsageCount != 1 {
		t.Errorf("expected usage count to increment, got %d", s.UsageCount)
	}

	s.MarkGood()
	s.MarkGood()
	if s.ErrorScore != 0 {
		t.Errorf("expected error score to clamp at 0, got %v", s.ErrorScore)
	}
}

func TestSessionMarkBadIncrementsBoth(t *testing.T) {
	s := NewSession("s1", time.Now().Add(time.Hour), 10, 3, 0.5)
	s.MarkBad()
	if s.UsageCount != 1 || s.ErrorScore != 1 {
		t.Errorf("expected usage=1 error=1, got usage=%d error=%v", s.UsageCount, s.ErrorScore)
	}
}

func TestSessionRetireForcesBlocked(t *testing.T) {
	s := NewSession("s1", time.Now().Add(time.Hour), 10, 3, 0.5)
	s.Retire()
	if s.ErrorScore != s.MaxErrorScore {
		t.Errorf("expected ErrorScore == MaxErrorScore after Retire, got %v", s.ErrorScore)
	}
	if !s.IsBlocked() {
		t.Error("retired session should be blocked")
	}
}
