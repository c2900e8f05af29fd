package refresher

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"context"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// FetchResult is one conditional GET's outcome. Oversize responses are a
// skip, not an error, to protect shared compute budget.
type FetchResult struct {
	NotModified  bool
	Oversize     bool
	Body         []byte
	ETag         string
	LastModified string
}

type Fetcher struct {
	logger    *slog.Logger
	client    *http.Client
	userAgent string
	maxBody   int64
}

func NewFetcher(logger *slog.Logger, userAgent string, maxBody int64) *Fetcher {
	client := &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &Fetcher{
		logger:    logger.With("module", "fetcher"),
		client:    client,
		userAgent: userAgent,
		maxBody:   maxBody,
	}
}

// FetchConditional performs a cache-validating GET using the stored etag and
// last-modified validators. Non-2xx statuses (other than 304) are errors;
// oversize bodies come back flagged, with no body.
func (f *Fetcher) FetchConditional(ctx context.Context, feedURL, etag, lastModified string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{NotModified: true}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	res := &FetchResult{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if declared, err := strconv.ParseInt(cl, 10, 64); err == nil && declared > f.maxBody {
			f.logger.Warn("feed over declared size cap", "url", feedURL, "content_length", declared)
			res.Oversize = true
			return res, nil
		}
	}

	// Read one byte past the cap so an undeclared oversize body is
	// detected without buffering all of it.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		f.logger.Warn("feed over size cap", "url", feedURL, "read", len(body))
		res.Oversize = true
		return res, nil
	}

	res.Body = body
	return res, nil
}
