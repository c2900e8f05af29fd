package refresher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/skylark-rss/skylark/pkg/hub"
	"github.com/skylark-rss/skylark/pkg/store"
)

var tracer = otel.Tracer("refresher")

const scheduleTask = "feed_refresh"

type Config struct {
	// Interval between refresh cycles, tracked through a durable schedule
	// mark so restarts resume the cadence.
	Interval time.Duration

	// BatchSize caps how many feeds one cycle selects.
	BatchSize int

	// ConcurrentFetches bounds in-flight fetches within a batch chunk.
	ConcurrentFetches int

	// ChunkDelay is the pause between batch chunks.
	ChunkDelay time.Duration

	// ActiveWindow is the trailing user-activity window for feed selection.
	ActiveWindow time.Duration

	// ErrorThreshold is the consecutive error count at which a feed is
	// skipped by selection until some success resets it.
	ErrorThreshold int

	// MaxBody is the fetch size hard cap.
	MaxBody int64

	// MaxPayload is the cached parsed payload size ceiling.
	MaxPayload int

	// MaxItems bounds how many items of one feed are processed per fetch.
	MaxItems int

	UserAgent string
}

func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		BatchSize:         25,
		ConcurrentFetches: 5,
		ChunkDelay:        2 * time.Second,
		ActiveWindow:      7 * 24 * time.Hour,
		ErrorThreshold:    5,
		MaxBody:           5 << 20,
		MaxPayload:        512 << 10,
		MaxItems:          200,
		UserAgent:         "skylark-feed-refresher/0.0.1",
	}
}

// Refresher periodically refreshes the bounded set of feeds most likely to
// matter: feeds subscribed to by recently active users, stalest first.
type Refresher struct {
	logger      *slog.Logger
	store       *store.Store
	fetcher     *Fetcher
	broadcaster hub.Broadcaster
	parser      *gofeed.Parser
	sanitizer   *bluemonday.Policy
	cfg         Config

	running  atomic.Bool
	shutdown chan chan error
}

func NewRefresher(logger *slog.Logger, st *store.Store, broadcaster hub.Broadcaster, cfg Config) *Refresher {
	return &Refresher{
		logger:      logger.With("module", "refresher"),
		store:       st,
		fetcher:     NewFetcher(logger, cfg.UserAgent, cfg.MaxBody),
		broadcaster: broadcaster,
		parser:      gofeed.NewParser(),
		sanitizer:   bluemonday.StrictPolicy(),
		cfg:         cfg,
		shutdown:    make(chan chan error),
	}
}

func (r *Refresher) Shutdown(ctx context.Context) error {
	r.logger.Info("attempting to shutdown refresher")
	errCh := make(chan error)
	r.shutdown <- errCh
	return <-errCh
}

// Run drives cycles from the durable schedule mark: when the mark is due the
// cycle runs, then the next due timestamp is written. A cycle error still
// writes the next mark, so refresh never permanently stalls.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("running")

	probe := time.NewTicker(5 * time.Second)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case errCh := <-r.shutdown:
			r.logger.Info("shutting down run loop")
			errCh <- nil
			return nil
		case <-probe.C:
		}

		due, found, err := r.store.GetScheduleMark(ctx, scheduleTask)
		if err != nil {
			r.logger.Error("failed to read schedule mark", "err", err)
			continue
		}
		if found && time.Now().Before(due) {
			continue
		}

		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("refresh cycle failed", "err", err)
		}

		if err := r.store.SetScheduleMark(ctx, scheduleTask, time.Now().Add(r.cfg.Interval)); err != nil {
			r.logger.Error("failed to write schedule mark", "err", err)
		}
	}
}

// RunOnce runs one refresh cycle over the selected batch, in bounded
// concurrent chunks with a fixed delay between chunks.
func (r *Refresher) RunOnce(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("refresh cycle already running")
	}
	defer r.running.Store(false)

	ctx, span := tracer.Start(ctx, "RunOnce")
	defer span.End()

	start := time.Now()

	feedURLs, err := r.store.SelectFeedsForRefresh(ctx, r.cfg.ActiveWindow, r.cfg.ErrorThreshold, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to select feeds: %w", err)
	}
	span.SetAttributes(attribute.Int("selected", len(feedURLs)))

	if len(feedURLs) == 0 {
		r.logger.Debug("no feeds due for refresh")
		return nil
	}

	if err := r.store.MarkFeedsScheduled(ctx, feedURLs); err != nil {
		r.logger.Error("failed to mark feeds scheduled", "err", err)
	}

	var succeeded, unchanged, failed, skipped atomic.Int64

	for chunkStart := 0; chunkStart < len(feedURLs); chunkStart += r.cfg.ConcurrentFetches {
		end := chunkStart + r.cfg.ConcurrentFetches
		if end > len(feedURLs) {
			end = len(feedURLs)
		}

		eg, ectx := errgroup.WithContext(ctx)
		for _, feedURL := range feedURLs[chunkStart:end] {
			feedURL := feedURL
			eg.Go(func() error {
				outcome := r.RefreshFeed(ectx, feedURL, false)
				switch outcome {
				case OutcomeSuccess:
					succeeded.Add(1)
				case OutcomeNotModified:
					unchanged.Add(1)
				case OutcomeSkipped:
					skipped.Add(1)
				default:
					failed.Add(1)
				}
				return nil
			})
		}
		// Per-feed failures are feed-scoped and never abort the cycle.
		_ = eg.Wait()

		if end < len(feedURLs) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.ChunkDelay):
			}
		}
	}

	refreshCycles.Inc()
	refreshCycleDuration.Observe(time.Since(start).Seconds())

	r.logger.Info("refresh cycle summary",
		"selected", len(feedURLs),
		"success", succeeded.Load(),
		"not_modified", unchanged.Load(),
		"error", failed.Load(),
		"skipped", skipped.Load(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeNotModified Outcome = "not_modified"
	OutcomeError       Outcome = "error"
	OutcomeSkipped     Outcome = "skipped"
)

// RefreshFeed refreshes a single feed. force bypasses the error budget,
// which is the manual reset path for a feed stuck over the threshold.
func (r *Refresher) RefreshFeed(ctx context.Context, feedURL string, force bool) Outcome {
	ctx, span := tracer.Start(ctx, "RefreshFeed")
	defer span.End()
	span.SetAttributes(attribute.String("feed_url", feedURL))

	logger := r.logger.With("feed_url", feedURL)

	meta, err := r.store.GetOrCreateFeedMeta(ctx, feedURL)
	if err != nil {
		logger.Error("failed to load feed metadata", "err", err)
		feedsRefreshed.WithLabelValues(string(OutcomeError)).Inc()
		return OutcomeError
	}

	if !force && meta.ErrorCount >= r.cfg.ErrorThreshold {
		feedsRefreshed.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped
	}

	res, err := r.fetcher.FetchConditional(ctx, feedURL, meta.ETag, meta.LastModified)
	if err != nil {
		count, recErr := r.store.RecordFeedError(ctx, feedURL)
		if recErr != nil {
			logger.Error("failed to record feed error", "err", recErr)
		}
		logger.Warn("feed fetch failed", "err", err, "error_count", count)
		feedsRefreshed.WithLabelValues(string(OutcomeError)).Inc()
		return OutcomeError
	}

	if res.Oversize {
		feedsRefreshed.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped
	}

	if res.NotModified {
		if err := r.store.RecordFeedNotModified(ctx, feedURL); err != nil {
			logger.Error("failed to record not-modified", "err", err)
		}
		feedsRefreshed.WithLabelValues(string(OutcomeNotModified)).Inc()
		return OutcomeNotModified
	}

	feed, err := r.parser.Parse(bytes.NewReader(res.Body))
	if err != nil {
		count, recErr := r.store.RecordFeedError(ctx, feedURL)
		if recErr != nil {
			logger.Error("failed to record feed error", "err", recErr)
		}
		logger.Warn("feed parse failed", "err", err, "error_count", count)
		feedsRefreshed.WithLabelValues(string(OutcomeError)).Inc()
		return OutcomeError
	}

	items := r.itemsFromFeed(feedURL, feed)
	inserted, err := r.store.UpsertFeedItems(ctx, items)
	if err != nil {
		logger.Error("failed to persist feed items", "err", err)
		feedsRefreshed.WithLabelValues(string(OutcomeError)).Inc()
		return OutcomeError
	}

	payload, truncated := r.buildPayload(feed)
	firstImport, err := r.store.RecordFeedSuccess(ctx, feedURL, res.ETag, res.LastModified, payload, truncated)
	if err != nil {
		logger.Error("failed to record feed success", "err", err)
		feedsRefreshed.WithLabelValues(string(OutcomeError)).Inc()
		return OutcomeError
	}

	if inserted > 0 {
		newItemsInserted.Add(float64(inserted))
		r.broadcast(hub.NewArticlesNotification(hub.NewArticlesPayload{
			FeedURL:  feedURL,
			NewItems: inserted,
		}))
	}
	if firstImport {
		r.broadcast(hub.FeedReadyNotification(hub.FeedReadyPayload{FeedURL: feedURL}))
	}

	logger.Info("feed refreshed", "items", len(items), "new", inserted, "first_import", firstImport)
	feedsRefreshed.WithLabelValues(string(OutcomeSuccess)).Inc()
	return OutcomeSuccess
}

func (r *Refresher) itemsFromFeed(feedURL string, feed *gofeed.Feed) []store.FeedItem {
	items := make([]store.FeedItem, 0, len(feed.Items))
	for i, item := range feed.Items {
		if i >= r.cfg.MaxItems {
			break
		}

		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			continue
		}

		description := r.sanitizer.Sanitize(item.Description)

		published := time.Time{}
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}

		h := sha256.Sum256([]byte(item.Title + "\x00" + item.Link + "\x00" + description))

		items = append(items, store.FeedItem{
			FeedURL:     feedURL,
			GUID:        guid,
			Link:        item.Link,
			Title:       item.Title,
			Description: description,
			PublishedAt: published,
			ContentHash: hex.EncodeToString(h[:]),
		})
	}
	return items
}

type payloadItem struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

type feedPayload struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Link        string        `json:"link,omitempty"`
	Items       []payloadItem `json:"items"`
}

// buildPayload serializes a compact parsed-feed cache under the configured
// ceiling: items are truncated first, and a feed whose metadata alone is
// oversize falls back to metadata-only.
func (r *Refresher) buildPayload(feed *gofeed.Feed) ([]byte, bool) {
	p := feedPayload{
		Title:       feed.Title,
		Description: feed.Description,
		Link:        feed.Link,
		Items:       make([]payloadItem, 0, len(feed.Items)),
	}
	for i, item := range feed.Items {
		if i >= r.cfg.MaxItems {
			break
		}
		pi := payloadItem{Title: item.Title, Link: item.Link}
		if item.PublishedParsed != nil {
			pi.PublishedAt = *item.PublishedParsed
		}
		p.Items = append(p.Items, pi)
	}

	truncated := false
	for {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, false
		}
		if len(raw) <= r.cfg.MaxPayload || len(p.Items) == 0 {
			return raw, truncated
		}
		p.Items = p.Items[:len(p.Items)/2]
		truncated = true
	}
}

func (r *Refresher) broadcast(n hub.Notification) {
	if r.broadcaster == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.broadcaster.Broadcast(ctx, n); err != nil {
			r.logger.Warn("broadcast failed", "type", n.Type, "err", err)
		}
	}()
}

// Running reports whether a cycle is in flight.
func (r *Refresher) Running() bool {
	return r.running.Load()
}
