package crawler

import (
	"context"
	"log/slog"

	"github.com/IshaanNene/webstalk/internal/eventbus"
	"github.com/IshaanNene/webstalk/internal/kv"
	"github.com/IshaanNene/webstalk/internal/session"
	"github.com/IshaanNene/webstalk/internal/source"
	"github.com/IshaanNene/webstalk/internal/sysinfo"
	"github.com/IshaanNene/webstalk/internal/types"
)

// Page is the minimal per-navigation handle a BrowserPool hands back —
// enough for hooks and the crawler to read the page's content, final URL and
// status without the core crawler package depending on a concrete browser
// driver. It offers no way to script the page (evaluate JS, wait on a
// selector).
type Page interface {
	Content() (string, error)
	URL() string
	StatusCode() int
}

// BrowserPool is the external collaborator a BrowserCrawler drives pages
// through. Implementations own the launching/active/retired/closed
// lifecycle of the underlying browser processes.
type BrowserPool interface {
	NewPage(ctx context.Context, req *types.Request, sess *session.Session) (Page, error)
	ReleasePage(p Page)
	Close() error
}

// PageHook runs at a named point in a page's lifecycle. Hooks run
// sequentially in registration order, never concurrently with each other,
// since a later hook may depend on a crawling-context mutation an earlier
// hook made.
type PageHook func(ctx context.Context, req *types.Request, p Page) error

// BrowserCrawler extends BasicCrawler with browser-specific page lifecycle
// hooks. It reuses BasicCrawler's tandem/session-pool/autoscale/stats/retry
// machinery entirely — only the Fetcher implementation and the
// pre/post-navigation hook points differ from the HTTP-only crawler.
type BrowserCrawler struct {
	*BasicCrawler

	browsers BrowserPool

	prePageCreate  []PageHook
	postPageCreate []PageHook
	prePageClose   []PageHook
}

// NewBrowser constructs a BrowserCrawler over the given browser pool
// collaborator.
func NewBrowser(cfg Config, tandem *source.Tandem, store kv.Store, bus *eventbus.Bus, sampler sysinfo.Sampler, browsers BrowserPool, logger *slog.Logger) *BrowserCrawler {
	bc := &BrowserCrawler{
		BasicCrawler: New(cfg, tandem, store, bus, sampler, logger.With("component", "browser_crawler")),
		browsers:     browsers,
	}
	bc.BasicCrawler.SetFetcher(bc)
	return bc
}

// OnPreNavigate registers a hook to run just before a page is handed to the
// request handler.
func (bc *BrowserCrawler) OnPreNavigate(h PageHook) { bc.prePageCreate = append(bc.prePageCreate, h) }

// OnPostNavigate registers a hook to run after the OnPreNavigate hooks and
// before the page's content is read. Like every page hook it runs inside
// Fetch, so before the request handler is invoked; the page is released back
// to the pool when Fetch returns.
func (bc *BrowserCrawler) OnPostNavigate(h PageHook) {
	bc.postPageCreate = append(bc.postPageCreate, h)
}

// OnPageClose registers a hook to run immediately before a page is released.
func (bc *BrowserCrawler) OnPageClose(h PageHook) { bc.prePageClose = append(bc.prePageClose, h) }

// Fetch implements Fetcher by driving a page through the configured
// BrowserPool and hook sequence, and adapting the result into a
// *types.Response the rest of the pipeline understands identically to an
// HTTP fetch.
func (bc *BrowserCrawler) Fetch(ctx context.Context, req *types.Request, sess *session.Session) (*types.Response, error) {
	page, err := bc.browsers.NewPage(ctx, req, sess)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, h := range bc.prePageClose {
			_ = h(ctx, req, page)
		}
		bc.browsers.ReleasePage(page)
	}()

	for _, h := range bc.prePageCreate {
		if err := h(ctx, req, page); err != nil {
			return nil, err
		}
	}

	for _, h := range bc.postPageCreate {
		if err := h(ctx, req, page); err != nil {
			return nil, err
		}
	}

	body, err := page.Content()
	if err != nil {
		return nil, err
	}

	req.LoadedURL = page.URL()
	return types.NewBrowserResponse(req, page.StatusCode(), []byte(body), page.URL(), 0), nil
}

// Close releases the underlying browser pool.
func (bc *BrowserCrawler) Close() error {
	return bc.browsers.Close()
}
