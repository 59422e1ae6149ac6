package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/types"
)

// urlPattern is the default extraction regex: it matches any http(s) URL
// embedded in arbitrary downloaded text, not just one URL per line.
var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\)\]]+`)

// googleSheetsShareURL recognizes a Google Sheets share link (with or
// without a gid fragment) so it can be rewritten to the sheet's CSV export
// endpoint before being queued as a request.
var googleSheetsShareURL = regexp.MustCompile(`^https?://docs\.google\.com/spreadsheets/d/([^/]+)(?:/[^?#]*)?(?:\?[^#]*)?(?:#gid=(\d+))?$`)

// rewriteGoogleSheetsURL rewrites a Google Sheets share URL to its CSV
// export URL, leaving any other URL untouched.
func rewriteGoogleSheetsURL(rawURL string) string {
	m := googleSheetsShareURL.FindStringSubmatch(rawURL)
	if m == nil {
		return rawURL
	}
	sheetID, gid := m[1], m[2]
	if gid == "" {
		gid = "0"
	}
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/export?format=csv&gid=%s", sheetID, gid)
}

// Transport is the minimal external collaborator List needs to support
// requestsFromUrl: fetch the bytes at a URL, optionally through a proxy.
type Transport interface {
	Fetch(ctx context.Context, rawURL, proxyURL string) ([]byte, error)
}

// List is an ordered, restartable set of seed requests. Unlike Queue it
// does not support forefront re-insertion or arbitrary add-after-start: its
// requests are fixed at construction (or extended via requestsFromUrl) and
// consumed strictly in order, with an in-progress set for requests that
// have been fetched but not yet marked handled.
type List struct {
	mu sync.Mutex

	requests   []*types.Request
	nextIndex  int
	inProgress map[int]struct{} // index -> in progress
	handled    map[int]struct{}

	logger *slog.Logger
}

// NewList creates a List from an initial slice of requests, in order.
func NewList(seed []*types.Request, logger *slog.Logger) *List {
	l := &List{
		requests:   append([]*types.Request(nil), seed...),
		inProgress: make(map[int]struct{}),
		handled:    make(map[int]struct{}),
		logger:     logger.With("component", "request_list"),
	}
	for _, req := range l.requests {
		if req.UniqueKey == "" {
			req.UniqueKey = types.CanonicalizeURL(req.URL)
		}
	}
	return l
}

// RequestsFromURL downloads the document at sourceURL through transport and
// extracts one Request per URL found in it, in the order they appear. By
// default URLs are extracted with a generic http(s) matcher, so the source
// document can be plain text, HTML, CSV, or anything else that merely
// contains URLs rather than being one line per URL. A Google Sheets share
// link is recognized as a special case and rewritten to that sheet's CSV
// export URL before being queued, so a seed list can point at a live sheet
// instead of a static file.
func RequestsFromURL(ctx context.Context, sourceURL, proxyURL string, transport Transport) ([]*types.Request, error) {
	body, err := transport.Fetch(ctx, sourceURL, proxyURL)
	if err != nil {
		return nil, fmt.Errorf("fetch request source %s: %w", sourceURL, err)
	}

	matches := urlPattern.FindAllString(string(body), -1)
	out := make([]*types.Request, 0, len(matches))
	for _, raw := range matches {
		req, err := types.NewRequest(rewriteGoogleSheetsURL(raw))
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// FetchNextRequest returns the next not-yet-in-progress request in order
// and marks it in-progress. Returns nil, false once every request has been
// fetched at least once.
func (l *List) FetchNextRequest() (*types.Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.nextIndex < len(l.requests) {
		idx := l.nextIndex
		l.nextIndex++
		if _, done := l.handled[idx]; done {
			continue
		}
		l.inProgress[idx] = struct{}{}
		return l.requests[idx], true
	}
	return nil, false
}

// MarkRequestHandled marks the request at the given ID as terminally done.
func (l *List) MarkRequestHandled(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.indexOf(id)
	if !ok {
		return fmt.Errorf("request %s not found in list", id)
	}
	delete(l.inProgress, idx)
	l.handled[idx] = struct{}{}
	return nil
}

// ReclaimRequest un-marks the request at id as in-progress and rewinds the
// cursor to it, so the next FetchNextRequest call hands it out again.
// Requests after it that were fetched but not yet marked handled are handed
// out again as well, in order.
func (l *List) ReclaimRequest(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.indexOf(id)
	if !ok {
		return fmt.Errorf("request %s not found in list", id)
	}
	delete(l.inProgress, idx)
	if idx < l.nextIndex {
		l.nextIndex = idx
	}
	return nil
}

func (l *List) indexOf(id string) (int, bool) {
	for i, r := range l.requests {
		if r.ID == id {
			return i, true
		}
	}
	return 0, false
}

// IsEmpty reports whether there is no request left to hand out.
func (l *List) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextIndex >= len(l.requests) && len(l.inProgress) == 0
}

// IsFinished reports whether every request has been marked handled.
func (l *List) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handled) == len(l.requests)
}

// Length returns the total number of requests in the list.
func (l *List) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// HandledCount returns the number of requests marked handled so far.
func (l *List) HandledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handled)
}

// listState is the JSON-serializable persisted snapshot of a List.
type listState struct {
	NextIndex  int   `json:"next_index"`
	InProgress []int `json:"in_progress"`
	Handled    []int `json:"handled"`
}

// PersistState writes the list's cursor/progress state to store under key.
// The request bodies themselves are not re-persisted here — the list's
// seed is expected to be reproducible (static seed file, or re-fetched via
// RequestsFromURL) and only the progress cursor needs to survive a restart.
func (l *List) PersistState(ctx context.Context, store kv.Store, key string) error {
	l.mu.Lock()
	state := listState{NextIndex: l.nextIndex}
	for idx := range l.inProgress {
		state.InProgress = append(state.InProgress, idx)
	}
	for idx := range l.handled {
		state.Handled = append(state.Handled, idx)
	}
	l.mu.Unlock()

	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal list state: %w", err)
	}
	if err := store.Set(ctx, key, buf); err != nil {
		return &types.StorageUnavailable{Key: key, Err: err}
	}
	return nil
}

// RestoreState loads a previously persisted cursor/progress state. Requests
// marked in-progress at persist time are treated as not-yet-handled and
// will be redelivered, since nothing guarantees they completed before the
// restart.
func (l *List) RestoreState(ctx context.Context, store kv.Store, key string) (ok bool, err error) {
	buf, found, err := store.Get(ctx, key)
	if err != nil {
		return false, &types.StorageUnavailable{Key: key, Err: err}
	}
	if !found {
		return false, nil
	}

	var state listState
	if err := json.Unmarshal(buf, &state); err != nil {
		return false, fmt.Errorf("unmarshal list state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextIndex = state.NextIndex
	l.inProgress = make(map[int]struct{})
	l.handled = make(map[int]struct{}, len(state.Handled))
	for _, idx := range state.Handled {
		l.handled[idx] = struct{}{}
	}
	for _, idx := range state.InProgress {
		if idx < l.nextIndex {
			l.nextIndex = idx
		}
	}
	return true, nil
}
