package source

import (
	"log/slog"

	"github.com/IshaanNene/webstalk/internal/types"
)

// Tandem composes a List and a Queue so that list items flow into the
// queue exactly once: every request fetched from the list is immediately
// added to the queue (deduplicated by UniqueKey, same as any other queue
// addition) and the list's own cursor is advanced without waiting for that
// request to be handled. All dispatch, retry, and completion bookkeeping
// from that point on happens through the queue alone — the list exists
// only to seed it in a replayable, resumable order.
type Tandem struct {
	List     *List
	Queue    *Queue
	clientID string
	logger   *slog.Logger
}

// NewTandem creates a Tandem over an existing list and queue.
func NewTandem(list *List, queue *Queue, clientID string, logger *slog.Logger) *Tandem {
	return &Tandem{
		List:     list,
		Queue:    queue,
		clientID: clientID,
		logger:   logger.With("component", "source_tandem"),
	}
}

// Pump drains everything currently available from the list into the
// queue. It is idempotent — items already enqueued are recognized via
// UniqueKey and skipped — so it's safe to call repeatedly from the pool's
// readiness check rather than only once at startup.
func (t *Tandem) Pump() (moved int) {
	for {
		req, ok := t.List.FetchNextRequest()
		if !ok {
			return moved
		}
		_, alreadyPresent, _ := t.Queue.AddRequest(t.clientID, req, false)
		if err := t.List.MarkRequestHandled(req.ID); err != nil {
			t.logger.Warn("tandem: failed to mark list request handled", "id", req.ID, "error", err)
		}
		if !alreadyPresent {
			moved++
		}
	}
}

// FetchNextRequest pumps any newly-available list items into the queue and
// then dispatches from the queue, which is always the single source of
// truth for in-flight/retry/handled bookkeeping once an item has entered
// it.
func (t *Tandem) FetchNextRequest() (*types.Request, bool) {
	t.Pump()
	return t.Queue.FetchNextRequest()
}

// MarkRequestHandled delegates to the queue.
func (t *Tandem) MarkRequestHandled(id string) error {
	return t.Queue.MarkRequestHandled(id)
}

// ReclaimRequest delegates to the queue.
func (t *Tandem) ReclaimRequest(id string, forefront bool) error {
	return t.Queue.ReclaimRequest(id, forefront)
}

// HasWork reports whether a call to FetchNextRequest right now would likely
// return a request: either the list still has something to pump, or the
// queue already has something pending.
func (t *Tandem) HasWork() bool {
	return !t.List.IsEmpty() || !t.Queue.IsEmpty()
}

// IsFinished reports whether both the list has nothing left to pump and the
// queue itself is finished (empty and nothing in flight).
func (t *Tandem) IsFinished() (finished bool, needsConsistencyRecheck bool) {
	if !t.List.IsEmpty() {
		return false, false
	}
	return t.Queue.IsFinished()
}
