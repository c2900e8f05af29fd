package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/goccy/go-json"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/skylark-rss/skylark/pkg/hub"
	"github.com/skylark-rss/skylark/pkg/jetstream"
	"github.com/skylark-rss/skylark/pkg/store"
)

var tracer = otel.Tracer("ingest")

// Collections the ingester watches on the firehose.
const (
	CollectionShare     = "social.skylark.feed.share"
	CollectionFollow    = "app.bsky.graph.follow"
	CollectionAppFollow = "social.skylark.graph.follow"
)

type shareRecord struct {
	Type      string `json:"$type"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type followRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// Processor applies one commit event's idempotent mutation to the cache.
// Enrichment and broadcasting are best-effort extensions of a create; their
// failures never fail the core upsert.
type Processor struct {
	logger      *slog.Logger
	store       *store.Store
	enricher    *Enricher
	broadcaster hub.Broadcaster

	enrichTimeout    time.Duration
	broadcastTimeout time.Duration
}

func NewProcessor(logger *slog.Logger, st *store.Store, enricher *Enricher, broadcaster hub.Broadcaster) *Processor {
	return &Processor{
		logger:           logger.With("module", "processor"),
		store:            st,
		enricher:         enricher,
		broadcaster:      broadcaster,
		enrichTimeout:    5 * time.Second,
		broadcastTimeout: 5 * time.Second,
	}
}

// ProcessEvent handles one firehose event. Non-commit kinds only advance the
// cursor upstream, so they are accepted and dropped here.
func (p *Processor) ProcessEvent(ctx context.Context, evt *jetstream.Event) error {
	ctx, span := tracer.Start(ctx, "ProcessEvent")
	defer span.End()

	if evt.Kind != jetstream.EventKindCommit || evt.Commit == nil {
		return nil
	}

	span.SetAttributes(
		attribute.String("repo", evt.Did),
		attribute.String("collection", evt.Commit.Collection),
		attribute.String("operation", evt.Commit.Operation),
		attribute.Int64("time_us", evt.TimeUS),
	)

	if _, err := syntax.ParseDID(evt.Did); err != nil {
		eventsProcessed.WithLabelValues(evt.Commit.Collection, "error").Inc()
		return fmt.Errorf("invalid repo did %q: %w", evt.Did, err)
	}

	var err error
	switch evt.Commit.Collection {
	case CollectionShare:
		err = p.processShare(ctx, evt)
	case CollectionFollow:
		err = p.processFollow(ctx, evt, false)
	case CollectionAppFollow:
		err = p.processFollow(ctx, evt, true)
	default:
		// Not a watched collection; the subscription filter should have
		// excluded it.
		eventsProcessed.WithLabelValues(evt.Commit.Collection, "ignored").Inc()
		return nil
	}

	if err != nil {
		eventsProcessed.WithLabelValues(evt.Commit.Collection, "error").Inc()
		return err
	}
	eventsProcessed.WithLabelValues(evt.Commit.Collection, "ok").Inc()
	return nil
}

func (p *Processor) processShare(ctx context.Context, evt *jetstream.Event) error {
	commit := evt.Commit
	logger := p.logger.With("repo", evt.Did, "rkey", commit.RKey)

	switch commit.Operation {
	case jetstream.CommitOperationCreate, jetstream.CommitOperationUpdate:
		if len(commit.Record) == 0 {
			return fmt.Errorf("share %s op missing record", commit.Operation)
		}
		if commit.CID == "" {
			return fmt.Errorf("share %s op missing cid", commit.Operation)
		}
		if _, err := cid.Parse(commit.CID); err != nil {
			return fmt.Errorf("share op has invalid cid %q: %w", commit.CID, err)
		}

		var rec shareRecord
		if err := json.Unmarshal(commit.Record, &rec); err != nil {
			return fmt.Errorf("failed to decode share record: %w", err)
		}
		if rec.URL == "" {
			return fmt.Errorf("share record missing url")
		}

		share := &store.Share{
			RepoDID:      evt.Did,
			RKey:         commit.RKey,
			CID:          commit.CID,
			StreamTimeUS: evt.TimeUS,
			URL:          rec.URL,
			Title:        rec.Title,
			Note:         rec.Note,
		}
		if t, err := dateparse.ParseAny(rec.CreatedAt); err == nil {
			share.PostedAt = t
		}

		p.enrichShare(ctx, share)

		if err := p.store.UpsertShare(ctx, share); err != nil {
			return err
		}

		// Only a create is new user-visible content; an update replay must
		// not re-notify followers.
		if commit.Operation == jetstream.CommitOperationCreate {
			p.broadcast(hub.NewShareNotification(hub.NewSharePayload{
				AuthorDID: evt.Did,
				URI:       fmt.Sprintf("at://%s/%s/%s", evt.Did, commit.Collection, commit.RKey),
				URL:       rec.URL,
				Title:     rec.Title,
			}))
		}
		return nil

	case jetstream.CommitOperationDelete:
		return p.store.DeleteShare(ctx, evt.Did, commit.RKey)

	default:
		logger.Warn("unknown operation", "operation", commit.Operation)
		return fmt.Errorf("unknown operation %q", commit.Operation)
	}
}

func (p *Processor) processFollow(ctx context.Context, evt *jetstream.Event, inApp bool) error {
	commit := evt.Commit

	switch commit.Operation {
	case jetstream.CommitOperationCreate, jetstream.CommitOperationUpdate:
		if len(commit.Record) == 0 {
			return fmt.Errorf("follow %s op missing record", commit.Operation)
		}

		var rec followRecord
		if err := json.Unmarshal(commit.Record, &rec); err != nil {
			return fmt.Errorf("failed to decode follow record: %w", err)
		}
		if _, err := syntax.ParseDID(rec.Subject); err != nil {
			return fmt.Errorf("follow record has invalid subject %q: %w", rec.Subject, err)
		}

		if inApp {
			return p.store.UpsertAppFollow(ctx, &store.AppFollow{
				FollowerDID: evt.Did,
				RKey:        commit.RKey,
				SubjectDID:  rec.Subject,
			})
		}
		return p.store.UpsertFollow(ctx, &store.Follow{
			FollowerDID: evt.Did,
			RKey:        commit.RKey,
			SubjectDID:  rec.Subject,
		})

	case jetstream.CommitOperationDelete:
		if inApp {
			return p.store.DeleteAppFollow(ctx, evt.Did, commit.RKey)
		}
		return p.store.DeleteFollow(ctx, evt.Did, commit.RKey)

	default:
		return fmt.Errorf("unknown operation %q", commit.Operation)
	}
}

// enrichShare fills profile and article fields best-effort. Each lookup has
// its own timeout so a slow collaborator cannot delay cycle termination, and
// any failure degrades to empty fields.
func (p *Processor) enrichShare(ctx context.Context, share *store.Share) {
	if p.enricher == nil {
		return
	}

	ectx, cancel := context.WithTimeout(ctx, p.enrichTimeout)
	defer cancel()

	profile, err := p.enricher.Profile(ectx, share.RepoDID)
	if err != nil {
		p.logger.Warn("profile enrichment failed", "did", share.RepoDID, "err", err)
		enrichmentFailures.WithLabelValues("profile").Inc()
	} else {
		share.AuthorHandle = profile.Handle
		share.AuthorDisplayName = profile.DisplayName
		share.AuthorAvatar = profile.Avatar
		if err := p.store.UpsertUserProfile(ctx, share.RepoDID, profile.Handle, profile.DisplayName, profile.Avatar); err != nil {
			p.logger.Warn("failed to cache profile", "did", share.RepoDID, "err", err)
		}
	}

	meta, err := p.enricher.ArticleMeta(ectx, share.URL)
	if err != nil {
		p.logger.Warn("article enrichment failed", "url", share.URL, "err", err)
		enrichmentFailures.WithLabelValues("article").Inc()
		return
	}
	share.ArticleTitle = meta.Title
	share.ArticleImage = meta.Image
}

// broadcast hands a notification to the hub without tying its outcome to
// event processing. Hub unavailability is logged and forgotten.
func (p *Processor) broadcast(n hub.Notification) {
	if p.broadcaster == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.broadcastTimeout)
		defer cancel()
		if err := p.broadcaster.Broadcast(ctx, n); err != nil {
			p.logger.Warn("broadcast failed", "type", n.Type, "err", err)
			broadcastFailures.WithLabelValues(n.Type).Inc()
		}
	}()
}
