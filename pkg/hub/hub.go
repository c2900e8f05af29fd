package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/skylark-rss/skylark/pkg/store"
)

var tracer = otel.Tracer("hub")

const (
	sweepTask         = "hub_sweep"
	attachmentVersion = 1
)

type Config struct {
	// HeartbeatInterval is the sweep cadence and probe frequency.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a connection may go without a pong
	// before the sweep reclaims it. Keep it at two probe intervals or more
	// so one missed probe survives.
	HeartbeatTimeout time.Duration

	SendBuffer   int
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		SendBuffer:        32,
		WriteTimeout:      10 * time.Second,
	}
}

// conn is one live (or detached) client connection tagged with its identity.
// A detached conn is a rehydrated attachment with no transport yet; the
// sweep reclaims it if its owner never reconnects.
type conn struct {
	id  string
	did string
	ws  *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	hbLk          sync.Mutex
	lastHeartbeat time.Time
}

// closeTransport shuts the connection down exactly once. send stays open so
// concurrent fan-outs can never hit a closed channel; the write pump exits
// via done.
func (c *conn) closeTransport() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

func (c *conn) heartbeat() time.Time {
	c.hbLk.Lock()
	defer c.hbLk.Unlock()
	return c.lastHeartbeat
}

func (c *conn) touch(t time.Time) {
	c.hbLk.Lock()
	defer c.hbLk.Unlock()
	if t.After(c.lastHeartbeat) {
		c.lastHeartbeat = t
	}
}

// Hub holds the live connection registry and fans typed notifications out to
// the subset of connections whose current interest matches. Interest is
// always computed fresh against the store; connections never cache follower
// or subscriber lists.
type Hub struct {
	logger *slog.Logger
	store  *store.Store
	cfg    Config

	mu    sync.RWMutex
	conns map[string]*conn

	now func() time.Time

	shutdown chan chan error
}

func NewHub(ctx context.Context, logger *slog.Logger, st *store.Store, cfg Config) (*Hub, error) {
	h := &Hub{
		logger:   logger.With("module", "hub"),
		store:    st,
		cfg:      cfg,
		conns:    make(map[string]*conn),
		now:      time.Now,
		shutdown: make(chan chan error),
	}

	// Rehydrate the registry from persisted attachments so a restart does
	// not lose track of who was connected. These entries carry no
	// transport; the sweep reclaims the ones whose owners never return.
	attachments, err := st.ListAttachments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate attachments: %w", err)
	}
	for _, a := range attachments {
		if a.Version != attachmentVersion {
			h.logger.Warn("dropping attachment with unknown version", "conn_id", a.ConnID, "version", a.Version)
			if err := st.DeleteAttachment(ctx, a.ConnID); err != nil {
				h.logger.Error("failed to delete stale attachment", "err", err)
			}
			continue
		}
		h.conns[a.ConnID] = &conn{
			id:            a.ConnID,
			did:           a.DID,
			done:          make(chan struct{}),
			lastHeartbeat: a.LastHeartbeat,
		}
	}
	if len(attachments) > 0 {
		h.logger.Info("rehydrated connection records", "count", len(attachments))
	}

	return h, nil
}

// register adds an authenticated connection, persists its attachment, and
// arms the sweep if it was idle. Any detached record for the same identity
// is replaced.
func (h *Hub) register(ctx context.Context, ws *websocket.Conn, did string) *conn {
	c := &conn{
		id:            uuid.NewString(),
		did:           did,
		ws:            ws,
		send:          make(chan []byte, h.cfg.SendBuffer),
		done:          make(chan struct{}),
		lastHeartbeat: h.now(),
	}

	h.mu.Lock()
	for id, existing := range h.conns {
		if existing.did == did && existing.ws == nil {
			delete(h.conns, id)
			if err := h.store.DeleteAttachment(ctx, id); err != nil {
				h.logger.Error("failed to delete detached attachment", "err", err)
			}
		}
	}
	h.conns[c.id] = c
	h.mu.Unlock()

	if err := h.store.PutAttachment(ctx, &store.HubAttachment{
		ConnID:        c.id,
		Version:       attachmentVersion,
		DID:           did,
		LastHeartbeat: c.lastHeartbeat,
	}); err != nil {
		h.logger.Error("failed to persist attachment", "conn_id", c.id, "err", err)
	}

	h.armSweep(ctx)

	connectionsOpened.Inc()
	h.logger.Info("connection registered", "conn_id", c.id, "did", did)

	go h.writePump(c)
	go h.readPump(c)

	return c
}

// remove drops a connection from the registry and deletes its attachment.
// Safe to call more than once for the same id.
func (h *Hub) remove(id, reason string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.closeTransport()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.DeleteAttachment(ctx, id); err != nil {
		h.logger.Error("failed to delete attachment", "conn_id", id, "err", err)
	}

	connectionsClosed.WithLabelValues(reason).Inc()
	h.logger.Info("connection removed", "conn_id", id, "did", c.did, "reason", reason)
}

// Broadcast fans one notification out to the connections whose identity
// matches the notification's subject. The interest set is queried fresh on
// every call because follow and subscription edges change between connects.
func (h *Hub) Broadcast(ctx context.Context, n Notification) error {
	ctx, span := tracer.Start(ctx, "Broadcast")
	defer span.End()
	span.SetAttributes(attribute.String("type", n.Type))

	targets, all, err := h.resolveTargets(ctx, n)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	h.mu.RLock()
	candidates := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.ws == nil {
			continue
		}
		if all || targets[c.did] {
			candidates = append(candidates, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range candidates {
		select {
		case c.send <- raw:
			delivered++
		default:
			// A full buffer means the reader is gone or wedged; treat it
			// as an implicit close and keep delivering to the rest.
			h.remove(c.id, "send_failed")
		}
	}

	notificationsDelivered.WithLabelValues(n.Type).Add(float64(delivered))
	span.SetAttributes(attribute.Int("delivered", delivered))

	return nil
}

// resolveTargets maps a notification to the identity set it should reach.
// Unrecognized types broadcast to everyone.
func (h *Hub) resolveTargets(ctx context.Context, n Notification) (map[string]bool, bool, error) {
	switch n.Type {
	case NotificationNewShare:
		var p NewSharePayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return nil, false, fmt.Errorf("failed to decode new_share payload: %w", err)
		}
		followers, err := h.store.FollowersOf(ctx, p.AuthorDID)
		if err != nil {
			return nil, false, err
		}
		return didSet(followers), false, nil

	case NotificationNewArticles, NotificationFeedReady:
		var p NewArticlesPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			return nil, false, fmt.Errorf("failed to decode feed payload: %w", err)
		}
		subscribers, err := h.store.SubscribersOf(ctx, p.FeedURL)
		if err != nil {
			return nil, false, err
		}
		return didSet(subscribers), false, nil

	default:
		return nil, true, nil
	}
}

func didSet(dids []string) map[string]bool {
	set := make(map[string]bool, len(dids))
	for _, d := range dids {
		set[d] = true
	}
	return set
}

type controlMessage struct {
	Type string `json:"type"`
}

// readPump consumes inbound control messages until the connection dies.
// Unrecognized shapes are ignored, never fatal.
func (h *Hub) readPump(c *conn) {
	defer h.remove(c.id, "read_error")

	c.ws.SetPongHandler(func(string) error {
		h.touchHeartbeat(c)
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(msg, &ctrl); err != nil {
			continue
		}

		switch ctrl.Type {
		case "pong":
			h.touchHeartbeat(c)
		case "ping":
			select {
			case c.send <- []byte(`{"type":"pong"}`):
			default:
			}
		default:
		}
	}
}

func (h *Hub) writePump(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c.id, "write_error")
				return
			}
		}
	}
}

// touchHeartbeat refreshes liveness in memory and in the persisted
// attachment, so a rehydrated registry carries accurate timestamps.
func (h *Hub) touchHeartbeat(c *conn) {
	now := h.now()
	c.touch(now)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.PutAttachment(ctx, &store.HubAttachment{
		ConnID:        c.id,
		Version:       attachmentVersion,
		DID:           c.did,
		LastHeartbeat: now,
	}); err != nil {
		h.logger.Error("failed to persist heartbeat", "conn_id", c.id, "err", err)
	}
}

// armSweep writes the sweep's durable next-due timestamp if none exists.
// Called on register; the sweep clears the mark when the registry empties.
func (h *Hub) armSweep(ctx context.Context) {
	_, found, err := h.store.GetScheduleMark(ctx, sweepTask)
	if err != nil {
		h.logger.Error("failed to read sweep mark", "err", err)
		return
	}
	if found {
		return
	}
	if err := h.store.SetScheduleMark(ctx, sweepTask, h.now().Add(h.cfg.HeartbeatInterval)); err != nil {
		h.logger.Error("failed to arm sweep", "err", err)
	}
}

// Run drives the liveness sweep from the durable schedule mark, so a restart
// resumes sweeping rather than forgetting it.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("running")

	probe := time.NewTicker(time.Second)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case errCh := <-h.shutdown:
			h.logger.Info("shutting down run loop")
			errCh <- nil
			return nil
		case <-probe.C:
		}

		due, found, err := h.store.GetScheduleMark(ctx, sweepTask)
		if err != nil {
			h.logger.Error("failed to read sweep mark", "err", err)
			continue
		}
		if !found || h.now().Before(due) {
			continue
		}

		h.SweepOnce(ctx)

		if h.ConnCount()+h.DetachedCount() == 0 {
			// No connections left; stop rescheduling to avoid needless
			// wakeups. The next register re-arms it.
			if err := h.store.ClearScheduleMark(ctx, sweepTask); err != nil {
				h.logger.Error("failed to clear sweep mark", "err", err)
			}
			continue
		}
		if err := h.store.SetScheduleMark(ctx, sweepTask, h.now().Add(h.cfg.HeartbeatInterval)); err != nil {
			h.logger.Error("failed to reschedule sweep", "err", err)
		}
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("attempting to shutdown hub")
	errCh := make(chan error)
	h.shutdown <- errCh
	return <-errCh
}

// SweepOnce probes every open connection and reclaims the ones whose last
// heartbeat exceeds the timeout, detached records included.
func (h *Hub) SweepOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "SweepOnce")
	defer span.End()

	now := h.now()

	h.mu.RLock()
	snapshot := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	probed := 0
	reclaimed := 0
	for _, c := range snapshot {
		if now.Sub(c.heartbeat()) > h.cfg.HeartbeatTimeout {
			h.remove(c.id, "heartbeat_timeout")
			reclaimed++
			continue
		}
		if c.ws == nil {
			continue
		}
		select {
		case c.send <- []byte(`{"type":"ping"}`):
			probed++
		default:
			h.remove(c.id, "send_failed")
			reclaimed++
		}
	}

	sweepsRun.Inc()
	span.SetAttributes(attribute.Int("probed", probed), attribute.Int("reclaimed", reclaimed))
	if reclaimed > 0 {
		h.logger.Info("sweep reclaimed connections", "reclaimed", reclaimed, "probed", probed)
	}
}

// ConnCount returns the number of open (transport-bearing) connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.conns {
		if c.ws != nil {
			n++
		}
	}
	return n
}

// DetachedCount returns rehydrated records still awaiting reconnect.
func (h *Hub) DetachedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.conns {
		if c.ws == nil {
			n++
		}
	}
	return n
}
