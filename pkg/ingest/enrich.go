package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// maxArticleBody caps how much of an article page the enricher will read
// when scraping metadata.
const maxArticleBody = 1 << 20

type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

type ArticleMeta struct {
	Title string
	Image string
}

// Enricher performs the best-effort lookups a share create triggers: profile
// resolution against the public appview and article page metadata scraping.
type Enricher struct {
	logger      *slog.Logger
	appviewHost string
	userAgent   string
	client      *http.Client
	limiter     *rate.Limiter
}

func NewEnricher(logger *slog.Logger, appviewHost, userAgent string, rateLimit float64) *Enricher {
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &Enricher{
		logger:      logger.With("module", "enricher"),
		appviewHost: appviewHost,
		userAgent:   userAgent,
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(rateLimit), 1),
	}
}

// Profile resolves a DID's handle, display name, and avatar via the appview.
func (e *Enricher) Profile(ctx context.Context, did string) (*Profile, error) {
	ctx, span := tracer.Start(ctx, "Profile")
	defer span.End()

	u := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfile?actor=%s", e.appviewHost, url.QueryEscape(did))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.userAgent)

	// Rate limit appview lookups
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	return &profile, nil
}

// ArticleMeta fetches the shared page and pulls its OpenGraph title and
// image, reading at most maxArticleBody bytes.
func (e *Enricher) ArticleMeta(ctx context.Context, pageURL string) (*ArticleMeta, error) {
	ctx, span := tracer.Start(ctx, "ArticleMeta")
	defer span.End()

	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse article url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported article url scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxArticleBody))
	if err != nil {
		return nil, fmt.Errorf("failed to parse article html: %w", err)
	}

	meta := &ArticleMeta{}
	if v, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		meta.Title = strings.TrimSpace(v)
	}
	if meta.Title == "" {
		meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if v, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		meta.Image = strings.TrimSpace(v)
	}

	return meta, nil
}
