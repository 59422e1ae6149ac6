package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IshaanNene/webstalk/internal/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolGetSessionCreatesWhenEmpty(t *testing.T) {
	p := NewPool(DefaultOptions(), testLogger())
	s, err := p.GetSession()
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if s == nil {
		t.Fatal("expected a session")
	}
	if p.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", p.Size())
	}
}

func TestPoolGetSessionReturnsDepletedAtZeroCapacity(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPoolSize = 0
	p := NewPool(opts, testLogger())

	_, err := p.GetSession()
	if err == nil {
		t.Fatal("expected an error with zero pool capacity")
	}
}

func TestPoolGetSessionGrowsEagerlyBelowCapacity(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPoolSize = 5
	p := NewPool(opts, testLogger())

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		s, err := p.GetSession()
		if err != nil {
			t.Fatal(err)
		}
		seen[s.ID] = true
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct sessions while growing below capacity, got %d", len(seen))
	}
	if p.Size() != 5 {
		t.Errorf("expected pool size 5, got %d", p.Size())
	}
}

func TestPoolGetSessionRotatesOnceAtCapacity(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPoolSize = 1
	p := NewPool(opts, testLogger())

	first, err := p.GetSession()
	if err != nil {
		t.Fatal(err)
	}

	// At capacity with the only session still usable, repeated acquisitions
	// must keep returning it rather than growing past MaxPoolSize.
	for i := 0; i < 10; i++ {
		s, err := p.GetSession()
		if err != nil {
			t.Fatal(err)
		}
		if s.ID != first.ID {
			t.Fatalf("expected the same session to be reused, got %s vs %s", s.ID, first.ID)
		}
	}
	if p.Size() != 1 {
		t.Errorf("expected pool size to stay at 1, got %d", p.Size())
	}
}

func TestPoolGetSessionSweepsRetiredAndCreatesFresh(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPoolSize = 1
	p := NewPool(opts, testLogger())

	first, err := p.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	p.RetireSession(first.ID)

	second, err := p.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh session once the only one is retired")
	}
	if p.Size() != 1 {
		t.Errorf("expected the retired session to be swept out, pool size %d", p.Size())
	}
}

func TestPoolGetSessionByID(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPoolSize = 1
	p := NewPool(opts, testLogger())

	s, err := p.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	if got := p.GetSessionByID(s.ID); got == nil || got.ID != s.ID {
		t.Errorf("expected GetSessionByID to find the usable session, got %v", got)
	}

	p.RetireSession(s.ID)
	if got := p.GetSessionByID(s.ID); got != nil {
		t.Error("expected GetSessionByID to return nil for a retired session")
	}
	if got := p.GetSessionByID("nonexistent"); got != nil {
		t.Error("expected GetSessionByID to return nil for an unknown id")
	}
}

func TestPoolAddSession(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPoolSize = 2
	p := NewPool(opts, testLogger())

	s := NewSession("external-1", time.Now().Add(time.Hour), 100, 3, 0.5)
	if err := p.AddSession(s); err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	if p.Size() != 1 {
		t.Errorf("expected pool size 1 after AddSession, got %d", p.Size())
	}
	if got := p.GetSessionByID("external-1"); got == nil {
		t.Error("expected the added session to be retrievable by id")
	}
}

func TestPoolUsableAndRetiredCountsPartitionSize(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPoolSize = 10
	p := NewPool(opts, testLogger())

	for i := 0; i < 5; i++ {
		if _, err := p.GetSession(); err != nil {
			t.Fatal(err)
		}
	}
	s, err := p.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	p.RetireSession(s.ID)

	if p.UsableCount()+p.RetiredSessionsCount() != p.Size() {
		t.Errorf("expected usable+retired == size, got %d+%d != %d",
			p.UsableCount(), p.RetiredSessionsCount(), p.Size())
	}
}

func TestPoolUsableCount(t *testing.T) {
	p := NewPool(DefaultOptions(), testLogger())
	s1, _ := p.GetSession()
	if p.UsableCount() != 1 {
		t.Errorf("expected 1 usable session, got %d", p.UsableCount())
	}
	p.RetireSession(s1.ID)
	if p.UsableCount() != 0 {
		t.Errorf("expected 0 usable sessions after retiring the only one, got %d", p.UsableCount())
	}
}

func TestPoolPersistAndRestoreState(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	p := NewPool(DefaultOptions(), testLogger())
	s, _ := p.GetSession()
	s.MarkBad()

	if err := p.PersistState(ctx, store, "pool-state"); err != nil {
		t.Fatalf("PersistState: %v", err)
	}

	restored := NewPool(DefaultOptions(), testLogger())
	ok, err := restored.RestoreState(ctx, store, "pool-state")
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if !ok {
		t.Fatal("expected state to be found")
	}
	if restored.Size() != 1 {
		t.Fatalf("expected 1 restored session, got %d", restored.Size())
	}
}
