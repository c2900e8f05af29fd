package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("jetstream")

// Termination reasons for one poll cycle.
const (
	ReasonIdle        = "idle"
	ReasonHardTimeout = "hard_timeout"
	ReasonClosed      = "closed"
	ReasonCanceled    = "canceled"
)

type Config struct {
	SocketURL string
	UserAgent string

	// IdleTimeout ends a cycle after no frames of any kind arrive for this
	// long, signaling the stream is caught up.
	IdleTimeout time.Duration

	// HardTimeout bounds a cycle's total wall time against a slow or silent
	// upstream.
	HardTimeout time.Duration

	// Overlap is subtracted from the resume cursor before subscribing, to
	// tolerate at-least-once redelivery across reconnects.
	Overlap time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketURL:   "wss://jetstream2.us-east.bsky.network/subscribe",
		UserAgent:   "skylark-ingester/0.0.1",
		IdleTimeout: 5 * time.Second,
		HardTimeout: 45 * time.Second,
		Overlap:     5 * time.Second,
	}
}

// Client consumes the upstream commit log one bounded cycle at a time. One
// instance owns one logical stream's cursor tracking.
type Client struct {
	logger *slog.Logger
	cfg    Config

	lastTimeUS int64
	timeLk     sync.RWMutex
}

func NewClient(logger *slog.Logger, cfg Config) (*Client, error) {
	if _, err := url.Parse(cfg.SocketURL); err != nil {
		return nil, fmt.Errorf("failed to parse socket url: %w", err)
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}
	if cfg.HardTimeout <= 0 {
		return nil, fmt.Errorf("hard timeout must be positive")
	}
	return &Client{
		logger: logger.With("module", "jetstream"),
		cfg:    cfg,
	}, nil
}

func (c *Client) setTimeUS(t int64) {
	c.timeLk.Lock()
	defer c.timeLk.Unlock()
	if t > c.lastTimeUS {
		c.lastTimeUS = t
	}
}

func (c *Client) GetTimeUS() int64 {
	c.timeLk.RLock()
	defer c.timeLk.RUnlock()
	return c.lastTimeUS
}

// Result describes one finished poll cycle. Cursor is always the best-known
// resume token: the highest time_us seen, or the starting cursor when
// nothing arrived.
type Result struct {
	Cursor int64
	Frames int
	Reason string
}

// Poll runs one cycle: dial the subscription URL filtered by collections and
// optionally dids, replay from cursor minus the overlap window, and hand
// every decoded event to fn until idle, hard timeout, transport close, or
// ctx cancellation. fn errors are swallowed here so a bad event cannot end
// the cycle; callers count them via their own closure state.
//
// Connect failures end the cycle immediately with the starting cursor
// preserved; retry is the caller's fixed-interval reschedule, never Poll's.
func (c *Client) Poll(ctx context.Context, cursor int64, collections, dids []string, fn func(context.Context, *Event) error) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Poll")
	defer span.End()

	span.SetAttributes(attribute.Int64("cursor", cursor))

	res := &Result{Cursor: cursor}

	u, err := url.Parse(c.cfg.SocketURL)
	if err != nil {
		return res, fmt.Errorf("failed to parse socket url: %w", err)
	}

	q := u.Query()
	if cursor > 0 {
		resume := cursor - c.cfg.Overlap.Microseconds()
		if resume < 0 {
			resume = 0
		}
		q.Set("cursor", fmt.Sprintf("%d", resume))
	}
	for _, col := range collections {
		q.Add("wantedCollections", col)
	}
	for _, did := range dids {
		q.Add("wantedDids", did)
	}
	u.RawQuery = q.Encode()

	c.logger.Debug("connecting to jetstream", "url", u.String())

	d := websocket.DefaultDialer
	con, _, err := d.Dial(u.String(), http.Header{
		"User-Agent": []string{c.cfg.UserAgent},
	})
	if err != nil {
		pollCycles.WithLabelValues("connect_error").Inc()
		return res, fmt.Errorf("failed to connect to jetstream: %w", err)
	}
	defer con.Close()

	// The hard timer and ctx watcher both end the cycle by closing the
	// transport; the read loop learns which from the flags.
	var hardFired, ctxFired atomic.Bool
	hardTimer := time.AfterFunc(c.cfg.HardTimeout, func() {
		hardFired.Store(true)
		con.Close()
	})
	defer hardTimer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			ctxFired.Store(true)
			con.Close()
		case <-watchDone:
		}
	}()

	for {
		if err := con.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			res.Reason = endReason(err, &ctxFired, &hardFired)
			break
		}

		_, msg, err := con.ReadMessage()
		if err != nil {
			res.Reason = endReason(err, &ctxFired, &hardFired)
			if res.Reason == ReasonClosed {
				c.logger.Debug("jetstream read ended", "err", err)
			}
			break
		}

		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			c.logger.Warn("failed to decode jetstream frame", "err", err)
			framesReceived.WithLabelValues("malformed").Inc()
			continue
		}

		// Any token movement is captured so the next cycle resumes
		// correctly, even when the event is of no interest.
		if evt.TimeUS > 0 {
			c.setTimeUS(evt.TimeUS)
			if evt.TimeUS > res.Cursor {
				res.Cursor = evt.TimeUS
			}
		}
		res.Frames++
		framesReceived.WithLabelValues(evt.Kind).Inc()

		if err := fn(ctx, &evt); err != nil {
			handlerErrors.Inc()
		}
	}

	pollCycles.WithLabelValues(res.Reason).Inc()
	span.SetAttributes(
		attribute.Int("frames", res.Frames),
		attribute.String("reason", res.Reason),
		attribute.Int64("resume_cursor", res.Cursor),
	)

	return res, nil
}

func endReason(err error, ctxFired, hardFired *atomic.Bool) string {
	switch {
	case ctxFired.Load():
		return ReasonCanceled
	case hardFired.Load():
		return ReasonHardTimeout
	case isTimeout(err):
		return ReasonIdle
	default:
		return ReasonClosed
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
