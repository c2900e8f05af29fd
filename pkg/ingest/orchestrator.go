package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/skylark-rss/skylark/pkg/jetstream"
	"github.com/skylark-rss/skylark/pkg/store"
)

const firehoseLease = "firehose"

// StreamSpec describes one logical stream sharing the poll lifecycle.
type StreamSpec struct {
	ID          string
	Collections []string

	// UseWatched filters the subscription down to the watched identity set.
	UseWatched bool
}

func DefaultStreams() []StreamSpec {
	return []StreamSpec{
		{ID: "shares", Collections: []string{CollectionShare}, UseWatched: true},
		{ID: "follows", Collections: []string{CollectionFollow}, UseWatched: true},
		{ID: "app_follows", Collections: []string{CollectionAppFollow}, UseWatched: true},
	}
}

// CycleStats is the last finished cycle's outcome for one stream, served by
// the status endpoint.
type CycleStats struct {
	StreamID   string    `json:"stream_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Frames     int       `json:"frames"`
	Processed  int       `json:"processed"`
	Errors     int       `json:"errors"`
	Cursor     int64     `json:"cursor"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
}

type OrchestratorConfig struct {
	Interval    time.Duration
	LeaseTTL    time.Duration
	InstanceID  string
	MaxWatched  int
	SeedWatched bool
}

func DefaultOrchestratorConfig(instanceID string) OrchestratorConfig {
	return OrchestratorConfig{
		Interval:    30 * time.Second,
		LeaseTTL:    90 * time.Second,
		InstanceID:  instanceID,
		MaxWatched:  100,
		SeedWatched: true,
	}
}

// Orchestrator runs bounded poll cycles for every stream in sequence and
// persists each stream's cursor exactly once per cycle, regardless of how
// the cycle ends.
type Orchestrator struct {
	logger    *slog.Logger
	store     *store.Store
	client    *jetstream.Client
	processor *Processor
	streams   []StreamSpec
	cfg       OrchestratorConfig

	running   atomic.Bool
	statsLk   sync.RWMutex
	lastStats map[string]CycleStats

	shutdown chan chan error
}

func NewOrchestrator(
	logger *slog.Logger,
	st *store.Store,
	client *jetstream.Client,
	processor *Processor,
	streams []StreamSpec,
	cfg OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger.With("module", "orchestrator"),
		store:     st,
		client:    client,
		processor: processor,
		streams:   streams,
		cfg:       cfg,
		lastStats: make(map[string]CycleStats),
		shutdown:  make(chan chan error),
	}
}

func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.logger.Info("attempting to shutdown orchestrator")
	errCh := make(chan error)
	o.shutdown <- errCh
	return <-errCh
}

// Run polls on a fixed interval until shutdown. The reschedule is
// unconditional: an invocation that errors still arms the next tick, so no
// failure class can permanently stall ingestion.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("running")

	if o.cfg.SeedWatched {
		n, err := o.store.SeedWatchedRepos(ctx)
		if err != nil {
			o.logger.Error("failed to seed watched repos", "err", err)
		} else if n > 0 {
			o.logger.Info("seeded watched repos", "count", n)
		}
	}

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := o.RunOnce(ctx); err != nil {
			o.logger.Error("poll invocation failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case errCh := <-o.shutdown:
			o.logger.Info("shutting down run loop")
			errCh <- nil
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs one invocation: a lease check, then one cycle per stream in
// sequence. A stream's cycle error never prevents the next stream's cycle.
// Returns an error only when the invocation could not run at all.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("invocation already running")
	}
	defer o.running.Store(false)

	ctx, span := tracer.Start(ctx, "RunOnce")
	defer span.End()

	acquired, err := o.store.AcquireLease(ctx, firehoseLease, o.cfg.InstanceID, o.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to check firehose lease: %w", err)
	}
	if !acquired {
		o.logger.Info("firehose lease held by another instance, skipping invocation")
		leaseSkips.Inc()
		return nil
	}

	for _, spec := range o.streams {
		stats := o.runCycle(ctx, spec)

		o.statsLk.Lock()
		o.lastStats[spec.ID] = stats
		o.statsLk.Unlock()

		if stats.Error != "" {
			o.logger.Error("stream cycle ended with error",
				"stream", spec.ID, "err", stats.Error, "cursor", stats.Cursor)
			continue
		}
		o.logger.Info("stream cycle finished",
			"stream", spec.ID,
			"frames", stats.Frames,
			"processed", stats.Processed,
			"errors", stats.Errors,
			"cursor", stats.Cursor,
			"reason", stats.Reason,
			"duration_ms", stats.DurationMS,
		)
	}

	return nil
}

// runCycle reads the stream's cursor, polls until idle or timeout, and
// persists the tracked resume token unconditionally on termination. Even a
// cycle that saw zero events persists a token so an idle stream never
// replays stale history.
func (o *Orchestrator) runCycle(ctx context.Context, spec StreamSpec) CycleStats {
	ctx, span := tracer.Start(ctx, "runCycle")
	defer span.End()
	span.SetAttributes(attribute.String("stream", spec.ID))

	start := time.Now()
	stats := CycleStats{StreamID: spec.ID, StartedAt: start}

	cursor, found, err := o.store.GetCursor(ctx, spec.ID)
	if err != nil {
		stats.Error = err.Error()
		return stats
	}
	if !found {
		// Baseline at "now" rather than replaying the full historical log.
		cursor = time.Now().UnixMicro()
	}
	stats.Cursor = cursor

	var dids []string
	if spec.UseWatched {
		dids, err = o.store.WatchedRepos(ctx, o.cfg.MaxWatched)
		if err != nil {
			stats.Error = err.Error()
			return stats
		}
	}

	processed := 0
	errored := 0
	res, pollErr := o.client.Poll(ctx, cursor, spec.Collections, dids, func(ctx context.Context, evt *jetstream.Event) error {
		if err := o.processor.ProcessEvent(ctx, evt); err != nil {
			errored++
			o.logger.Warn("failed to process event",
				"stream", spec.ID, "repo", evt.Did, "time_us", evt.TimeUS, "err", err)
			return err
		}
		processed++
		return nil
	})

	// Persist unconditionally: the best-known token on any termination,
	// the baseline when nothing arrived at all.
	if res != nil {
		stats.Cursor = res.Cursor
		stats.Frames = res.Frames
		stats.Reason = res.Reason
	}
	if err := o.store.SaveCursor(ctx, spec.ID, stats.Cursor); err != nil {
		o.logger.Error("failed to persist cursor", "stream", spec.ID, "err", err)
		if stats.Error == "" {
			stats.Error = err.Error()
		}
	}

	stats.Processed = processed
	stats.Errors = errored
	stats.DurationMS = time.Since(start).Milliseconds()
	cycleDuration.WithLabelValues(spec.ID).Observe(time.Since(start).Seconds())

	if pollErr != nil {
		stats.Error = pollErr.Error()
	}

	return stats
}

// Running reports whether an invocation is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// LastStats returns a copy of each stream's last finished cycle.
func (o *Orchestrator) LastStats() map[string]CycleStats {
	o.statsLk.RLock()
	defer o.statsLk.RUnlock()
	out := make(map[string]CycleStats, len(o.lastStats))
	for k, v := range o.lastStats {
		out[k] = v
	}
	return out
}
