package refresher

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
)

type API struct {
	logger    *slog.Logger
	refresher *Refresher
}

func NewAPI(logger *slog.Logger, r *Refresher) *API {
	return &API{
		logger:    logger.With("module", "refresher_api"),
		refresher: r,
	}
}

type RefreshFeedRequest struct {
	FeedURL string `json:"feed_url"`
}

type RefreshFeedResponse struct {
	FeedURL string `json:"feed_url"`
	Outcome string `json:"outcome"`
}

// HandleRefreshFeed handles the POST /refresh/feed endpoint. It bypasses the
// error budget, so an operator can revive a feed stuck over the threshold.
func (a *API) HandleRefreshFeed(c echo.Context) error {
	var req RefreshFeedRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	u, err := url.Parse(req.FeedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid feed url"})
	}

	outcome := a.refresher.RefreshFeed(c.Request().Context(), req.FeedURL, true)

	status := http.StatusOK
	if outcome == OutcomeError {
		status = http.StatusBadGateway
	}

	return c.JSON(status, RefreshFeedResponse{FeedURL: req.FeedURL, Outcome: string(outcome)})
}
