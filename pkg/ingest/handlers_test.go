package ingest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-rss/skylark/pkg/store"
)

func newTestAPI(t *testing.T, st *store.Store, o *Orchestrator) *API {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewAPI(logger, o, st)
}

func doJSON(t *testing.T, handler echo.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	return rec
}

func TestHandleRegisterRepo(t *testing.T) {
	st := newTestStore(t)
	api := newTestAPI(t, st, nil)

	rec := doJSON(t, api.HandleRegisterRepo, http.MethodPost, "/repos", `{"did":"did:plc:aaa"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	dids, err := st.WatchedRepos(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:aaa"}, dids)
}

func TestHandleRegisterRepoRejectsBadDIDs(t *testing.T) {
	st := newTestStore(t)
	api := newTestAPI(t, st, nil)

	rec := doJSON(t, api.HandleRegisterRepo, http.MethodPost, "/repos", `{"did":"not a did"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, api.HandleRegisterRepo, http.MethodPost, "/repos", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetRepos(t *testing.T) {
	st := newTestStore(t)
	api := newTestAPI(t, st, nil)
	ctx := context.Background()

	require.NoError(t, st.RegisterWatchedRepo(ctx, "did:plc:aaa", "signup"))
	require.NoError(t, st.RegisterWatchedRepo(ctx, "did:plc:bbb", "seed"))

	rec := doJSON(t, api.HandleGetRepos, http.MethodGet, "/repos", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ReposResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"did:plc:aaa", "did:plc:bbb"}, resp.Repos)
}

func TestHandleGetStatus(t *testing.T) {
	srv, _ := newFakeFirehose(t, nil)
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveCursor(ctx, "shares", 12345))

	o := newTestOrchestrator(t, st, "ws"+strings.TrimPrefix(srv.URL, "http"), []StreamSpec{
		{ID: "shares", Collections: []string{CollectionShare}},
	})
	api := newTestAPI(t, st, o)

	rec := doJSON(t, api.HandleGetStatus, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Running)
	assert.Equal(t, int64(12345), resp.Cursors["shares"])
	assert.Nil(t, resp.Lease)

	// With a lease held, status reports the holder.
	acquired, err := st.AcquireLease(ctx, "firehose", "instance-x", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	rec = doJSON(t, api.HandleGetStatus, http.MethodGet, "/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Lease)
	assert.Equal(t, "instance-x", resp.Lease.Holder)
}
