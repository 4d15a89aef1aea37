// Copyright 2024-2026 Aiku AI

package teamsync

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxPages caps how many pages a single FetchAll may request.
const DefaultMaxPages = 10

// Backoff is the randomized wait between two page requests.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Next returns a duration in [Min, Max). When Max is not above Min it
// returns Min.
func (b Backoff) Next() time.Duration {
	if b.Max <= b.Min {
		return b.Min
	}
	return b.Min + rand.N(b.Max-b.Min)
}

// Pager holds the pagination settings shared by every FetchAll call.
type Pager struct {
	Backoff  Backoff
	MaxPages int
	Log      zerolog.Logger
	Metrics  *Metrics
	// Kind labels the page counter, e.g. "channels" or "users".
	Kind string
}

// PageFunc fetches one page. An empty next cursor ends the loop.
type PageFunc[T any] func(ctx context.Context, cursor string) (items []T, next string, err error)

// FetchAll requests pages until the remote API returns an empty cursor or
// MaxPages requests have been made. Hitting the bound is not an error; the
// items gathered so far are returned.
//
// A failed request is retried with the same cursor after the backoff, or
// after the server's retry-after if that is longer. Retries count towards
// the bound. If the last request made was a failure, its error is returned
// together with whatever was collected.
func FetchAll[T any](ctx context.Context, p Pager, fetch PageFunc[T]) ([]T, error) {
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	var (
		items   []T
		cursor  string
		lastErr error
	)
	for i := 0; i < maxPages; i++ {
		if i > 0 {
			wait := p.Backoff.Next()
			var rle *RateLimitedError
			if errors.As(lastErr, &rle) && rle.RetryAfter > wait {
				wait = rle.RetryAfter
			}
			if err := sleep(ctx, wait); err != nil {
				return items, err
			}
		}
		page, next, err := fetch(ctx, cursor)
		p.Metrics.pageFetched(p.Kind, err)
		if err != nil {
			lastErr = err
			p.Log.Warn().Err(err).
				Str("kind", p.Kind).
				Int("attempt", i+1).
				Msg("Failed to fetch page, retrying")
			continue
		}
		lastErr = nil
		items = append(items, page...)
		if next == "" {
			return items, nil
		}
		cursor = next
	}
	if lastErr == nil {
		p.Log.Warn().
			Str("kind", p.Kind).
			Int("max_pages", maxPages).
			Int("items", len(items)).
			Msg("Stopped paginating at page limit")
	}
	return items, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
