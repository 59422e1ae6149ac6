package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/IshaanNene/webstalk/internal/config"
	"github.com/IshaanNene/webstalk/internal/crawler"
	"github.com/IshaanNene/webstalk/internal/session"
	"github.com/IshaanNene/webstalk/internal/types"
)

// StealthConfig configures browser launch options that make automated
// Chromium harder to fingerprint as a bot.
type StealthConfig struct {
	UserDataDir string
	WindowSize  string
}

// browserState is one managed Chromium instance's lifecycle stage.
type browserState int

const (
	browserLaunching browserState = iota
	browserActive
	browserRetired
	browserClosed
)

// managedBrowser tracks one launched Chromium instance and how much load
// it has carried, so it can be retired once it's served too many pages or
// lived too long — the usual remedy for the slow memory creep headless
// Chromium accumulates under sustained use.
type managedBrowser struct {
	browser    *rod.Browser
	state      atomic.Int32 // browserState
	launchedAt time.Time
	pageCount  atomic.Int32 // pages ever served
	openPages  atomic.Int32 // pages currently checked out
}

func (m *managedBrowser) getState() browserState { return browserState(m.state.Load()) }
func (m *managedBrowser) setState(s browserState) { m.state.Store(int32(s)) }

// BrowserPoolConfig configures lifecycle limits for the managed-browser
// pool.
type BrowserPoolConfig struct {
	MaxOpenPagesPerBrowser  int
	RetireBrowserAfterPages int
	KillBrowserAfterAge     time.Duration
	BrowserKillerInterval   time.Duration
	GotoTimeout             time.Duration
	NavigationTimeout       time.Duration
	Stealth                 *StealthConfig
}

// DefaultBrowserPoolConfig returns sensible lifecycle defaults.
func DefaultBrowserPoolConfig() BrowserPoolConfig {
	return BrowserPoolConfig{
		MaxOpenPagesPerBrowser:  20,
		RetireBrowserAfterPages: 200,
		KillBrowserAfterAge:     10 * time.Minute,
		BrowserKillerInterval:   30 * time.Second,
		GotoTimeout:             30 * time.Second,
		NavigationTimeout:       30 * time.Second,
	}
}

// BrowserPool manages a set of headless Chromium instances and hands out
// pages from whichever managed browser has spare capacity, launching a new
// one when none does. It implements crawler.BrowserPool.
type BrowserPool struct {
	cfg      BrowserPoolConfig
	proxyMgr *ProxyManager
	logger   *slog.Logger

	mu       sync.Mutex
	browsers []*managedBrowser

	killerStop chan struct{}
	killerDone chan struct{}
}

// NewBrowserPool creates an empty pool; browsers are launched lazily on
// first NewPage call.
func NewBrowserPool(cfg *config.Config, poolCfg BrowserPoolConfig, proxyMgr *ProxyManager, logger *slog.Logger) *BrowserPool {
	bp := &BrowserPool{
		cfg:        poolCfg,
		proxyMgr:   proxyMgr,
		logger:     logger.With("component", "browser_pool"),
		killerStop: make(chan struct{}),
		killerDone: make(chan struct{}),
	}
	go bp.killerLoop()
	return bp
}

// killerLoop periodically sweeps retired browsers that have no pages
// checked out anymore and transitions them to closed.
func (bp *BrowserPool) killerLoop() {
	defer close(bp.killerDone)
	ticker := time.NewTicker(bp.cfg.BrowserKillerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-bp.killerStop:
			return
		case <-ticker.C:
			bp.sweepRetired()
		}
	}
}

func (bp *BrowserPool) sweepRetired() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	kept := bp.browsers[:0]
	for _, mb := range bp.browsers {
		if mb.getState() == browserRetired && mb.openPages.Load() == 0 {
			if err := mb.browser.Close(); err != nil {
				bp.logger.Warn("error closing retired browser", "error", err)
			}
			mb.setState(browserClosed)
			continue
		}
		kept = append(kept, mb)
	}
	bp.browsers = kept
}

// pick returns a browser with spare page capacity, launching one if every
// existing browser is full or retired.
func (bp *BrowserPool) pick() (*managedBrowser, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for _, mb := range bp.browsers {
		if mb.getState() != browserActive {
			continue
		}
		if time.Since(mb.launchedAt) > bp.cfg.KillBrowserAfterAge || int(mb.pageCount.Load()) > bp.cfg.RetireBrowserAfterPages {
			mb.setState(browserRetired)
			continue
		}
		if int(mb.openPages.Load()) < bp.cfg.MaxOpenPagesPerBrowser {
			return mb, nil
		}
	}

	mb, err := bp.launch()
	if err != nil {
		return nil, err
	}
	bp.browsers = append(bp.browsers, mb)
	return mb, nil
}

func (bp *BrowserPool) launch() (*managedBrowser, error) {
	mb := &managedBrowser{launchedAt: time.Now()}
	mb.setState(browserLaunching)

	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-web-security").
		Set("disable-features", "IsolateOrigins,site-per-process").
		Set("disable-blink-features", "AutomationControlled")

	if bp.proxyMgr != nil {
		if proxyURL := bp.proxyMgr.Next(); proxyURL != nil {
			l = l.Proxy(proxyURL.String())
		}
	}
	if bp.cfg.Stealth != nil {
		if bp.cfg.Stealth.UserDataDir != "" {
			l = l.UserDataDir(bp.cfg.Stealth.UserDataDir)
		}
		if bp.cfg.Stealth.WindowSize != "" {
			l = l.Set("window-size", bp.cfg.Stealth.WindowSize)
		}
	}

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	mb.browser = browser
	mb.setState(browserActive)
	return mb, nil
}

// rodPage adapts a *rod.Page to crawler.Page.
type rodPage struct {
	page   *rod.Page
	owner  *managedBrowser
	status int
	url    string
}

func (p *rodPage) Content() (string, error) { return p.page.HTML() }
func (p *rodPage) URL() string              { return p.url }
func (p *rodPage) StatusCode() int          { return p.status }

// NewPage implements crawler.BrowserPool: it picks (or launches) a browser
// with spare capacity, opens a page on it, navigates to req's URL, and
// returns a handle. sess's cookies, if present, are applied before
// navigation.
func (bp *BrowserPool) NewPage(ctx context.Context, req *types.Request, sess *session.Session) (crawler.Page, error) {
	mb, err := bp.pick()
	if err != nil {
		return nil, err
	}
	mb.openPages.Add(1)
	mb.pageCount.Add(1)

	page, err := mb.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		mb.openPages.Add(-1)
		return nil, fmt.Errorf("open page: %w", err)
	}

	if bp.cfg.Stealth != nil {
		if stealthy, serr := stealth.Page(mb.browser); serr == nil {
			page = stealthy
		}
	}

	if sess != nil {
		if cookies, ok := sess.UserData["rod_cookies"].([]*proto.NetworkCookieParam); ok && len(cookies) > 0 {
			_ = page.SetCookies(cookies)
		}
	}

	timeout := bp.cfg.NavigationTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if !req.Retry.SkipNavigation {
		if err := page.Timeout(timeout).Navigate(req.URLString()); err != nil {
			mb.openPages.Add(-1)
			return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
		}
		if err := page.Timeout(timeout).WaitStable(300 * time.Millisecond); err != nil {
			bp.logger.Debug("page stability timeout, continuing", "url", req.URLString(), "error", err)
		}
	}

	info, err := page.Info()
	finalURL := req.URLString()
	if err == nil && info != nil {
		finalURL = info.URL
	}

	if sess != nil {
		if cookies, err := page.Cookies(nil); err == nil && len(cookies) > 0 {
			sess.UserData["rod_cookies"] = proto.CookiesToParams(cookies)
		}
	}

	return &rodPage{page: page, owner: mb, status: 200, url: finalURL}, nil
}

// ReleasePage closes the underlying page and returns its slot to the
// owning browser's capacity.
func (bp *BrowserPool) ReleasePage(p crawler.Page) {
	rp, ok := p.(*rodPage)
	if !ok {
		return
	}
	_ = rp.page.Close()
	rp.owner.openPages.Add(-1)
}

// Close stops the killer loop and closes every managed browser.
func (bp *BrowserPool) Close() error {
	close(bp.killerStop)
	<-bp.killerDone

	bp.mu.Lock()
	defer bp.mu.Unlock()

	var firstErr error
	for _, mb := range bp.browsers {
		if mb.getState() == browserClosed {
			continue
		}
		if err := mb.browser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		mb.setState(browserClosed)
	}
	return firstErr
}
