// Package source implements the two request sources a crawler pulls work
// from — a durable Queue with at-most-one-in-flight dispatch, and a
// restartable ordered List — plus a Tandem that composes them so seed
// requests flow from the list into the queue exactly once.
package source

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/types"
)

// Queue is a durable set of requests keyed by UniqueKey, with FIFO
// dispatch order and a forefront (priority head-insertion) escape hatch. At
// most one copy of a given request is ever "in progress" at a time: callers
// must call MarkHandled or Reclaim before that id is eligible for dispatch
// again.
//
// All mutation goes through the single mutex below; no method blocks while
// holding it, so a slow caller never stalls a concurrent producer.
type Queue struct {
	mu sync.Mutex

	byKey    map[string]*types.Request // UniqueKey -> request
	byID     map[string]*types.Request // ID -> request
	pending  *list.List                // FIFO of IDs waiting to be fetched
	inFlight map[string]struct{}       // IDs currently dispatched
	handled  map[string]struct{}       // IDs marked handled (terminal)

	// HadMultipleClients is set once a second distinct caller has ever
	// added a request to this queue. It gates the eventually-consistent
	// re-poll behavior in IsFinished: a multi-client queue cannot trust a
	// single empty-pending observation, since a concurrent writer may be
	// mid-add.
	hadMultipleClients bool
	seenClients        map[string]struct{}

	nextSeq int64
	logger  *slog.Logger
}

// NewQueue creates an empty Queue.
func NewQueue(logger *slog.Logger) *Queue {
	return &Queue{
		byKey:       make(map[string]*types.Request),
		byID:        make(map[string]*types.Request),
		pending:     list.New(),
		inFlight:    make(map[string]struct{}),
		handled:     make(map[string]struct{}),
		seenClients: make(map[string]struct{}),
		logger:      logger.With("component", "request_queue"),
	}
}

// AddRequest admits a request. If a request with the same UniqueKey is
// already known, the call is a no-op that reports wasAlreadyPresent=true
// and returns the existing request's ID rather than minting a new one —
// this is what makes re-adding a discovered link idempotent. wasAlreadyHandled
// additionally reports whether that existing request had already reached a
// terminal outcome, so a caller rediscovering a finished URL can tell the
// difference from rediscovering one still in flight. clientID identifies the
// logical caller (e.g. crawler instance name) for the hadMultipleClients
// bookkeeping above.
func (q *Queue) AddRequest(clientID string, req *types.Request, forefront bool) (id string, wasAlreadyPresent bool, wasAlreadyHandled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.trackClient(clientID)

	if req.UniqueKey == "" {
		req.UniqueKey = types.CanonicalizeURL(req.URL)
	}

	if existing, ok := q.byKey[req.UniqueKey]; ok {
		if forefront {
			q.moveToForefront(existing.ID)
		}
		_, handled := q.handled[existing.ID]
		return existing.ID, true, handled
	}

	q.nextSeq++
	req.ID = fmt.Sprintf("q-%d", q.nextSeq)
	q.byKey[req.UniqueKey] = req
	q.byID[req.ID] = req

	if forefront {
		q.pending.PushFront(req.ID)
	} else {
		q.pending.PushBack(req.ID)
	}

	return req.ID, false, false
}

func (q *Queue) trackClient(clientID string) {
	if clientID == "" {
		return
	}
	if _, ok := q.seenClients[clientID]; !ok {
		q.seenClients[clientID] = struct{}{}
		if len(q.seenClients) > 1 {
			q.hadMultipleClients = true
		}
	}
}

func (q *Queue) moveToForefront(id string) {
	for e := q.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == id {
			q.pending.MoveToFront(e)
			return
		}
	}
}

// FetchNextRequest pops the request at the head of the FIFO (or the
// forefront, if one was pushed there) and marks it in-flight. Returns nil,
// false if the queue has nothing eligible right now.
func (q *Queue) FetchNextRequest() (*types.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.pending.Front()
	if e == nil {
		return nil, false
	}
	id := e.Value.(string)
	q.pending.Remove(e)
	q.inFlight[id] = struct{}{}
	return q.byID[id], true
}

// MarkRequestHandled marks a previously-fetched request as terminally
// done — either successfully processed or failed past its retry budget.
// It is an error to call this for an id not currently in flight.
func (q *Queue) MarkRequestHandled(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[id]; !ok {
		return fmt.Errorf("request %s is not in flight", id)
	}
	delete(q.inFlight, id)
	q.handled[id] = struct{}{}
	return nil
}

// ReclaimRequest returns an in-flight request to the pending FIFO so it can
// be dispatched again (after a retriable failure). forefront controls
// whether it's re-inserted at the head or tail.
func (q *Queue) ReclaimRequest(id string, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[id]; !ok {
		return fmt.Errorf("request %s is not in flight", id)
	}
	delete(q.inFlight, id)

	if forefront {
		q.pending.PushFront(id)
	} else {
		q.pending.PushBack(id)
	}
	return nil
}

// IsEmpty reports whether there is no request immediately eligible for
// dispatch right now.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() == 0
}

// IsFinished reports whether the queue is empty AND has nothing in flight.
// For a queue observed by more than one client, a single empty-and-idle
// snapshot is not trusted on its own — the caller is expected to re-check
// after a short consistency delay before treating this as final (the same
// pattern the autoscaled pool uses before declaring the crawl finished).
func (q *Queue) IsFinished() (finished bool, needsConsistencyRecheck bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	empty := q.pending.Len() == 0 && len(q.inFlight) == 0
	return empty, empty && q.hadMultipleClients
}

// Len returns the count of requests currently pending dispatch.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// InFlightCount returns the count of requests currently dispatched.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// HandledCount returns the count of requests marked terminally handled.
func (q *Queue) HandledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handled)
}

// queueState is the JSON-serializable persisted snapshot of a Queue.
type queueState struct {
	Requests []*types.Request `json:"requests"`
	Pending  []string         `json:"pending"`
	InFlight []string         `json:"in_flight"`
	Handled  []string         `json:"handled"`
	NextSeq  int64            `json:"next_seq"`
}

// PersistState writes the queue's full state to store under key, in the
// shape described for persisted queue state. In-flight requests are
// persisted as pending, not in-flight: on resume nothing should be assumed
// to still be running.
func (q *Queue) PersistState(ctx context.Context, store kv.Store, key string) error {
	q.mu.Lock()
	state := queueState{NextSeq: q.nextSeq}
	for _, req := range q.byID {
		state.Requests = append(state.Requests, req)
	}
	for e := q.pending.Front(); e != nil; e = e.Next() {
		state.Pending = append(state.Pending, e.Value.(string))
	}
	for id := range q.inFlight {
		state.Pending = append(state.Pending, id)
	}
	for id := range q.handled {
		state.Handled = append(state.Handled, id)
	}
	q.mu.Unlock()

	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	if err := store.Set(ctx, key, buf); err != nil {
		return &types.StorageUnavailable{Key: key, Err: err}
	}
	return nil
}

// RestoreState loads a previously persisted queue state from store, if
// any. Returns ok=false if no state exists under key.
func (q *Queue) RestoreState(ctx context.Context, store kv.Store, key string) (ok bool, err error) {
	buf, found, err := store.Get(ctx, key)
	if err != nil {
		return false, &types.StorageUnavailable{Key: key, Err: err}
	}
	if !found {
		return false, nil
	}

	var state queueState
	if err := json.Unmarshal(buf, &state); err != nil {
		return false, fmt.Errorf("unmarshal queue state: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.byKey = make(map[string]*types.Request, len(state.Requests))
	q.byID = make(map[string]*types.Request, len(state.Requests))
	q.pending = list.New()
	q.inFlight = make(map[string]struct{})
	q.handled = make(map[string]struct{})
	q.nextSeq = state.NextSeq

	for _, req := range state.Requests {
		q.byKey[req.UniqueKey] = req
		q.byID[req.ID] = req
	}
	for _, id := range state.Pending {
		q.pending.PushBack(id)
	}
	for _, id := range state.Handled {
		q.handled[id] = struct{}{}
	}
	return true, nil
}
