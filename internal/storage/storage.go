// Package storage persists the items a crawl's handler extracts. Because
// the scheduler's retry pipeline is allowed to hand the same request to the
// handler more than once (a retriable failure can still have produced a
// partial item before the error surfaced), every backend here treats
// types.Item.Checksum as an idempotency key rather than trusting the
// scheduler to deliver each item exactly once.
package storage

import (
	"fmt"

	"github.com/IshaanNene/webstalk/internal/types"
)

// Storage is the interface for all storage backends.
type Storage interface {
	// Store persists a batch of items, deduplicating by Checksum against
	// anything already written through this backend.
	Store(items []*types.Item) error

	// Close flushes pending writes and releases resources.
	Close() error

	// Name returns the storage backend identifier.
	Name() string
}

// depthCounts tallies how many deduplicated items were written at each
// crawl depth, so a backend's Close log reflects where in the crawl its
// output actually came from rather than just a flat total.
type depthCounts map[int]int

func (d depthCounts) add(depth int) {
	d[depth]++
}

func (d depthCounts) summary() []any {
	out := make([]any, 0, len(d)*2)
	for depth, n := range d {
		out = append(out, fmt.Sprintf("depth_%d", depth), n)
	}
	return out
}
