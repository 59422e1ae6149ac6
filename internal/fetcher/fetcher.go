// Package fetcher provides the concrete transport and browser-pool
// collaborators the crawler package's Fetcher and BrowserPool interfaces
// are defined against: HTTP over net/http, proxy rotation, and a go-rod
// browser pool.
package fetcher

import (
	"context"

	"github.com/IshaanNene/webstalk/internal/session"
	"github.com/IshaanNene/webstalk/internal/types"
)

// Fetcher is the interface for HTTP-style fetcher implementations, kept
// distinct from crawler.Fetcher so this package has no import-time
// dependency on the crawler package; HTTPFetcher satisfies both by
// structural typing.
type Fetcher interface {
	// Fetch retrieves the content at the given request's URL, optionally
	// carrying identity/cookies from sess.
	Fetch(ctx context.Context, req *types.Request, sess *session.Session) (*types.Response, error)

	// Close releases any resources held by the fetcher.
	Close() error

	// Type returns the fetcher type identifier.
	Type() string
}
