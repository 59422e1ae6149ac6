package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/types"
)

// Options configures session creation and the pool's capacity/replacement
// policy.
type Options struct {
	MaxPoolSize         int
	SessionMaxAgeSecs   int
	MaxUsageCount       int
	MaxErrorScore       float64
	ErrorScoreDecrement float64
}

// DefaultOptions returns the pool's out-of-the-box sizing and scoring
// policy.
func DefaultOptions() Options {
	return Options{
		MaxPoolSize:         1000,
		SessionMaxAgeSecs:   3000,
		MaxUsageCount:       50,
		MaxErrorScore:       3,
		ErrorScoreDecrement: 0.5,
	}
}

// Pool is a capacity-bounded population of Sessions that task runners
// acquire identities from. GetSession eagerly grows the pool up to
// MaxPoolSize before it ever rotates: below capacity it always mints a
// fresh session, and only once full does it fall back to picking a random
// existing one, sweeping out every unusable session and minting a
// replacement if the pick turns out unusable. This mirrors the
// random-pick/sweep-then-create pattern a healthy-proxy rotator uses,
// applied to whole identities instead of just endpoints, but defers
// rotation until the pool can no longer simply grow.
type Pool struct {
	mu       sync.Mutex
	sessions []*Session
	opts     Options
	nextID   int64
	rng      *rand.Rand
	logger   *slog.Logger
}

// NewPool creates an empty Pool governed by opts.
func NewPool(opts Options, logger *slog.Logger) *Pool {
	return &Pool{
		opts:   opts,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.With("component", "session_pool"),
	}
}

// GetSession returns a usable session, following the pool's ordered
// acquisition policy: (1) below MaxPoolSize, always mint a fresh session
// rather than rotate; (2) once at capacity, pick one existing session
// uniformly at random; (3) if that pick is usable, return it; (4)
// otherwise sweep out every unusable session and mint a replacement.
// GetSession only reports SessionDepleted if MaxPoolSize is zero.
func (p *Pool) GetSession() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.MaxPoolSize <= 0 {
		return nil, &types.SessionDepleted{PoolSize: 0}
	}

	if len(p.sessions) < p.opts.MaxPoolSize {
		return p.createSession(), nil
	}

	idx := p.rng.Intn(len(p.sessions))
	if picked := p.sessions[idx]; picked.IsUsable() {
		return picked, nil
	}

	p.sweepUnusable()
	return p.createSession(), nil
}

// GetSessionByID returns the session registered under id if it exists and
// is currently usable, or nil otherwise — it never creates or rotates.
func (p *Pool) GetSessionByID(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.ID == id && s.IsUsable() {
			return s
		}
	}
	return nil
}

// AddSession registers an externally constructed session with the pool,
// evicting the oldest entry first if already at MaxPoolSize.
func (p *Pool) AddSession(s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.MaxPoolSize <= 0 {
		return &types.SessionDepleted{PoolSize: 0}
	}
	if len(p.sessions) >= p.opts.MaxPoolSize {
		p.sessions = p.sessions[1:]
	}
	p.sessions = append(p.sessions, s)
	return nil
}

// usableIndices returns the indices of currently-usable sessions.
func (p *Pool) usableIndices() []int {
	var out []int
	for i, s := range p.sessions {
		if s.IsUsable() {
			out = append(out, i)
		}
	}
	return out
}

// sweepUnusable removes every currently-unusable session from the pool.
func (p *Pool) sweepUnusable() {
	kept := p.sessions[:0]
	for _, s := range p.sessions {
		if s.IsUsable() {
			kept = append(kept, s)
		}
	}
	p.sessions = kept
}

// createSession mints and registers a new session. Both call sites
// (below-capacity growth, and post-sweep replacement) have already ensured
// there is room for it.
func (p *Pool) createSession() *Session {
	p.nextID++
	id := fmt.Sprintf("session-%d", p.nextID)
	expiresAt := time.Now().Add(time.Duration(p.opts.SessionMaxAgeSecs) * time.Second)
	s := NewSession(id, expiresAt, p.opts.MaxUsageCount, p.opts.MaxErrorScore, p.opts.ErrorScoreDecrement)

	if len(p.sessions) >= p.opts.MaxPoolSize {
		p.sessions = p.sessions[1:] // defensive: should be unreachable given call-site invariants
	}
	p.sessions = append(p.sessions, s)
	return s
}

// RetireSession marks the session by id as permanently unusable; the next
// GetSession call that finds the pool otherwise exhausted will sweep it
// out.
func (p *Pool) RetireSession(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.ID == id {
			s.Retire()
			return
		}
	}
}

// Size returns the current population count, usable or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// UsableCount returns the count of currently-usable sessions.
func (p *Pool) UsableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.usableIndices())
}

// RetiredSessionsCount returns the count of currently non-usable sessions
// (expired, overused, or blocked — including explicitly retired ones), so
// that UsableCount()+RetiredSessionsCount() always equals Size().
func (p *Pool) RetiredSessionsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if !s.IsUsable() {
			n++
		}
	}
	return n
}

// poolState is the JSON-serializable persisted snapshot of a Pool.
type poolState struct {
	Sessions []*Session `json:"sessions"`
	NextID   int64      `json:"next_id"`
}

// PersistState writes the pool's full session population to store under
// key.
func (p *Pool) PersistState(ctx context.Context, store kv.Store, key string) error {
	p.mu.Lock()
	state := poolState{Sessions: append([]*Session(nil), p.sessions...), NextID: p.nextID}
	p.mu.Unlock()

	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session pool state: %w", err)
	}
	if err := store.Set(ctx, key, buf); err != nil {
		return &types.StorageUnavailable{Key: key, Err: err}
	}
	return nil
}

// RestoreState loads a previously persisted session population. Expired
// sessions in the loaded set are kept (not dropped) so their error/usage
// history is still visible to GetSession's sweep-on-exhaustion path; they
// will simply never be picked as usable.
func (p *Pool) RestoreState(ctx context.Context, store kv.Store, key string) (ok bool, err error) {
	buf, found, err := store.Get(ctx, key)
	if err != nil {
		return false, &types.StorageUnavailable{Key: key, Err: err}
	}
	if !found {
		return false, nil
	}

	var state poolState
	if err := json.Unmarshal(buf, &state); err != nil {
		return false, fmt.Errorf("unmarshal session pool state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = state.Sessions
	p.nextID = state.NextID
	return true, nil
}
