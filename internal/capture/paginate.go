// Package capture drives multi-page retrieval from the court systems and defines
// the error kinds every capture surfaces.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Default pagination settings.
const (
	DefaultPageSize       = 100
	DefaultInterPageDelay = 500 * time.Millisecond
)

// Options configures CaptureAll.
type Options struct {
	PageSize       int
	InterPageDelay time.Duration
	Logger         *slog.Logger
	// OnPage, when set, is called after each page is accepted.
	OnPage func(p *Page)
}

// DefaultOptions returns the upstream-friendly defaults.
func DefaultOptions() Options {
	return Options{PageSize: DefaultPageSize, InterPageDelay: DefaultInterPageDelay}
}

// PageFetcher fetches and decodes one page. Implementations are expected to apply
// their own retry policy.
type PageFetcher func(ctx context.Context, page, pageSize int) (*Page, error)

// Result is the ordered concatenation of every page's items, plus the pages
// themselves for audit.
type Result struct {
	Items []json.RawMessage `json:"items"`
	Pages []Page            `json:"pages"`
}

// ItemCount returns len(Items).
func (r *Result) ItemCount() int {
	return len(r.Items)
}

// PageCount returns len(Pages).
func (r *Result) PageCount() int {
	return len(r.Pages)
}

// CaptureAll fetches every page of a dataset sequentially. It either returns the
// complete result or a single error; fetched pages are discarded on failure.
//
// Zero items on any page ends the capture regardless of the reported counts, and a
// reported page count of 0 with items on page 1 means there is exactly one page.
func CaptureAll(ctx context.Context, fetch PageFetcher, opts Options) (*Result, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.InterPageDelay < 0 {
		opts.InterPageDelay = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	first, err := fetchPage(ctx, fetch, 1, opts.PageSize)
	if err != nil {
		return nil, err
	}

	result := &Result{Items: []json.RawMessage{}, Pages: []Page{*first}}
	if len(first.Items) == 0 {
		logger.DebugContext(ctx, "capture returned no items", "total_items", first.TotalItems, "total_pages", first.TotalPages)
		return result, nil
	}
	result.Items = append(result.Items, first.Items...)
	if opts.OnPage != nil {
		opts.OnPage(first)
	}

	totalPages := first.TotalPages
	if totalPages <= 0 {
		totalPages = 1
	}

	for n := 2; n <= totalPages; n++ {
		if err := wait(ctx, opts.InterPageDelay); err != nil {
			return nil, &CancelledError{Page: n, Cause: err}
		}

		p, err := fetchPage(ctx, fetch, n, opts.PageSize)
		if err != nil {
			return nil, err
		}
		result.Pages = append(result.Pages, *p)
		if len(p.Items) == 0 {
			logger.WarnContext(ctx, "empty page before reported end", "page", n, "total_pages", totalPages)
			break
		}
		result.Items = append(result.Items, p.Items...)
		if opts.OnPage != nil {
			opts.OnPage(p)
		}
		logger.DebugContext(ctx, "page captured", "page", n, "total_pages", totalPages, "items", len(p.Items))
	}

	logger.InfoContext(ctx, "capture complete", "pages", len(result.Pages), "items", len(result.Items))
	return result, nil
}

func fetchPage(ctx context.Context, fetch PageFetcher, n, size int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Page: n, Cause: err}
	}

	p, err := fetch(ctx, n, size)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, &CancelledError{Page: n, Cause: err}
		}
		var malformed *MalformedResponseError
		if errors.As(err, &malformed) && malformed.Page == 0 {
			malformed.Page = n
		}
		return nil, &PageError{Page: n, Err: err}
	}
	if p == nil {
		return nil, &MalformedResponseError{Page: n, Reason: "no page returned"}
	}
	if p.Items == nil {
		return nil, &MalformedResponseError{Page: n, Reason: "items is not an array", Payload: p.Raw}
	}
	p.Number = n
	return p, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
