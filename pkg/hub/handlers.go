package hub

import (
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/skylark-rss/skylark/pkg/store"
)

const tokenProtocolPrefix = "skylark-token."

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// sessionToken pulls the bearer token from the query string or from a
// subprotocol-style prefix, for clients whose websocket API cannot set
// headers.
func sessionToken(r *http.Request) (token, proto string) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, tokenProtocolPrefix) {
			return strings.TrimPrefix(p, tokenProtocolPrefix), p
		}
	}
	return "", ""
}

// HandleWS handles the GET /ws upgrade endpoint. The session token is
// resolved before any stateful work; a bad token is rejected with 401 and no
// upgrade happens.
func (h *Hub) HandleWS(c echo.Context) error {
	r := c.Request()

	token, proto := sessionToken(r)
	if token == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing session token"})
	}

	did, err := h.store.SessionDID(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired session"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	var respHeader http.Header
	if proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}

	ws, err := upgrader.Upgrade(c.Response(), r, respHeader)
	if err != nil {
		// Upgrade already wrote the error response.
		return nil
	}

	h.register(r.Context(), ws, did)
	return nil
}

// HandleBroadcast handles the POST /broadcast endpoint, the control surface
// the ingester and refresher call.
func (h *Hub) HandleBroadcast(c echo.Context) error {
	var n Notification
	if err := json.NewDecoder(c.Request().Body).Decode(&n); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid notification body"})
	}
	if n.Type == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing notification type"})
	}

	if err := h.Broadcast(c.Request().Context(), n); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type StatusResponse struct {
	Connected int `json:"connected"`
	Detached  int `json:"detached"`
}

// HandleGetStatus handles the GET /status endpoint
func (h *Hub) HandleGetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Connected: h.ConnCount(),
		Detached:  h.DetachedCount(),
	})
}
