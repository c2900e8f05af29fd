package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"

	"github.com/skylark-rss/skylark/pkg/store"
)

type API struct {
	logger       *slog.Logger
	orchestrator *Orchestrator
	store        *store.Store
}

func NewAPI(logger *slog.Logger, orchestrator *Orchestrator, st *store.Store) *API {
	return &API{
		logger:       logger.With("module", "ingest_api"),
		orchestrator: orchestrator,
		store:        st,
	}
}

type LeaseStatus struct {
	Holder      string    `json:"holder"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

type StatusResponse struct {
	Running bool                  `json:"running"`
	Cursors map[string]int64      `json:"cursors"`
	Streams map[string]CycleStats `json:"streams"`
	Lease   *LeaseStatus          `json:"lease,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// HandleGetStatus handles the GET /status endpoint
func (a *API) HandleGetStatus(c echo.Context) error {
	resp := StatusResponse{
		Running: a.orchestrator.Running(),
		Cursors: make(map[string]int64),
		Streams: a.orchestrator.LastStats(),
	}

	lease, err := a.store.PeekLease(c.Request().Context(), firehoseLease)
	if err == nil {
		resp.Lease = &LeaseStatus{Holder: lease.Holder, RefreshedAt: lease.RefreshedAt}
	} else if !errors.Is(err, store.ErrNotFound) {
		a.logger.Error("failed to peek firehose lease", "err", err)
	}

	for _, spec := range a.orchestrator.streams {
		pos, found, err := a.store.GetCursor(c.Request().Context(), spec.ID)
		if err != nil {
			resp.Error = err.Error()
			return c.JSON(http.StatusInternalServerError, resp)
		}
		if found {
			resp.Cursors[spec.ID] = pos
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// HandleTrigger handles the POST /trigger endpoint, starting an invocation
// if one is not already in flight.
func (a *API) HandleTrigger(c echo.Context) error {
	if a.orchestrator.Running() {
		return c.JSON(http.StatusConflict, map[string]string{"error": "invocation already running"})
	}

	go func() {
		if err := a.orchestrator.RunOnce(context.Background()); err != nil {
			a.logger.Error("triggered invocation failed", "err", err)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

type RegisterRepoRequest struct {
	DID string `json:"did"`
}

// HandleRegisterRepo handles the POST /repos endpoint, adding a DID to the
// watched identity set.
func (a *API) HandleRegisterRepo(c echo.Context) error {
	var req RegisterRepoRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	did, err := syntax.ParseDID(req.DID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid DID: %s", err)})
	}

	if err := a.store.RegisterWatchedRepo(c.Request().Context(), did.String(), "signup"); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"did": did.String()})
}

type ReposResponse struct {
	Repos []string `json:"repos"`
	Error string   `json:"error,omitempty"`
}

// HandleGetRepos handles the GET /repos endpoint
func (a *API) HandleGetRepos(c echo.Context) error {
	resp := ReposResponse{}

	dids, err := a.store.WatchedRepos(c.Request().Context(), 10000)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Repos = dids
	return c.JSON(http.StatusOK, resp)
}
