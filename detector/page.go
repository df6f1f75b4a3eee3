// Package detector decides whether a submitted login form succeeded, was rejected, or
// never produced a definitive signal before a deadline.
//
// The detector only needs a handful of page operations, declared by Page. Timeouts are
// carried by the context passed to each call.
package detector

import (
	"context"
	"time"
)

// Page is the slice of a browser page the detector polls.
type Page interface {
	// WaitURL blocks until match returns true for the current URL or ctx ends.
	WaitURL(ctx context.Context, match func(url string) bool) error
	// WaitVisible blocks until an element matching selector is visible or ctx ends.
	WaitVisible(ctx context.Context, selector string) error
	// WaitIdle blocks until no network request has been in flight for idle, or ctx ends.
	WaitIdle(ctx context.Context, idle time.Duration) error
	URL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
}

// StatusSource reports the HTTP status of the last main-frame document response,
// or 0 when none has been seen.
type StatusSource interface {
	LastDocumentStatus() int
}
