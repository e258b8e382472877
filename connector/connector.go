// Package connector adapts collaboration platforms to a common fetch interface.
//
// A connector lists containers (channels, projects, files) and yields the
// items in one container changed since a point in time. Fetch is lazy: items
// are produced as the caller ranges over the sequence, and a caller that stops
// early stops the underlying paging.
package connector

import (
	"context"
	"iter"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/leakhunter/finding"
)

// Connector is implemented once per platform
type Connector interface {
	Name() string
	Containers(ctx context.Context) ([]finding.Container, error)
	// Fetch yields items in c changed at or after since; zero since means all.
	// A yielded error ends the sequence.
	Fetch(ctx context.Context, c finding.Container, since time.Time) iter.Seq2[finding.RawItem, error]
}

// newLimiter paces outbound calls; rpm <= 0 means unlimited
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
}
