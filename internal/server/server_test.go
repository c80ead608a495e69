// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/pipeline"
	"github.com/noldarim/shipyard/internal/protocol"
	"github.com/noldarim/shipyard/test/testutil"
)

func newTestOrchestrator(t *testing.T, mutate func(*pipeline.Options)) *pipeline.Orchestrator {
	t.Helper()
	def := testutil.ThreeStageDefinition("server-test")
	p, err := pipeline.Compile(def, testutil.StubFactory{}, time.Minute)
	require.NoError(t, err)

	opts := pipeline.Options{Pipeline: p}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := pipeline.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return o
}

func newTestRouter(runs RunService) (http.Handler, *ClientRegistry) {
	clients := NewClientRegistry()
	return NewRouter(&config.ServerConfig{}, runs, clients), clients
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestIndexAndHealth(t *testing.T) {
	h, _ := newTestRouter(newTestOrchestrator(t, nil))

	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "/api/v1/runs")

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitEvent(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	h, _ := newTestRouter(o)

	t.Run("accepted run completes", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/events", `{"branch":"main","commit":"abc123"}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		runID, _ := decode(t, rec)["run_id"].(string)
		require.NotEmpty(t, runID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		run, err := o.Wait(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, pipeline.RunStatusSucceeded, run.Status)

		rec = do(t, h, http.MethodGet, "/api/v1/runs/"+runID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got pipeline.Run
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, runID, got.ID)
		assert.Equal(t, pipeline.RunStatusSucceeded, got.Status)
		require.Len(t, got.Stages, 3)
		assert.Equal(t, []string{"install ok"}, got.Stages[1].Log)
	})

	t.Run("other branch is rejected", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/events", `{"branch":"feature/x","commit":"abc123"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, decode(t, rec)["error"], "invalid event")
	})

	t.Run("missing commit is rejected", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/events", `{"branch":"main"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/api/v1/events", `{"branch":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListRuns(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *pipeline.Options) { opts.Dispatcher = testutil.ParkedDispatcher{} })
	h, _ := newTestRouter(o)

	for _, commit := range []string{"c1", "c2", "c3"} {
		_, err := o.Submit(context.Background(), pipeline.TriggerEvent{Branch: "main", Commit: commit})
		require.NoError(t, err)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/runs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runSummary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Runs, 2)
	for _, r := range body.Runs {
		assert.Equal(t, pipeline.RunStatusPending, r.Status)
		assert.Equal(t, "main", r.Branch)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/runs?status=succeeded", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Runs)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns_StatusFilterAppliesBeforeLimit(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *pipeline.Options) { opts.Dispatcher = testutil.ParkedDispatcher{} })
	h, _ := newTestRouter(o)

	old, err := o.Submit(context.Background(), pipeline.TriggerEvent{Branch: "main", Commit: "c0"})
	require.NoError(t, err)
	require.NoError(t, o.Cancel(context.Background(), old.ID))
	for _, commit := range []string{"c1", "c2", "c3"} {
		_, err := o.Submit(context.Background(), pipeline.TriggerEvent{Branch: "main", Commit: commit})
		require.NoError(t, err)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/runs?status=cancelled&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runSummary `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, old.ID, body.Runs[0].ID)
	assert.Equal(t, pipeline.RunStatusCancelled, body.Runs[0].Status)

	rec = do(t, h, http.MethodGet, "/api/v1/runs?branch=release", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Runs)
}

func TestGetRun_NotFound(t *testing.T) {
	h, _ := newTestRouter(newTestOrchestrator(t, nil))
	rec := do(t, h, http.MethodGet, "/api/v1/runs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRun(t *testing.T) {
	o := newTestOrchestrator(t, func(opts *pipeline.Options) { opts.Dispatcher = testutil.ParkedDispatcher{} })
	h, _ := newTestRouter(o)

	handle, err := o.Submit(context.Background(), pipeline.TriggerEvent{Branch: "main", Commit: "abc123"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/api/v1/runs/"+handle.ID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decode(t, rec)["status"])

	run, err := o.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunStatusCancelled, run.Status)

	rec = do(t, h, http.MethodPost, "/api/v1/runs/"+handle.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/runs/unknown/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// failingRuns returns fixed errors for every call.
type failingRuns struct {
	err    error
	handle *pipeline.RunHandle
}

func (f failingRuns) Submit(context.Context, pipeline.TriggerEvent) (*pipeline.RunHandle, error) {
	return f.handle, f.err
}
func (f failingRuns) Get(context.Context, string) (pipeline.Run, error) { return pipeline.Run{}, f.err }
func (f failingRuns) ListFiltered(context.Context, pipeline.RunFilter) ([]pipeline.Run, error) {
	return nil, f.err
}
func (f failingRuns) Cancel(context.Context, string) error { return f.err }

func TestHandlers_InternalErrors(t *testing.T) {
	storeDown := errors.New("database is locked")
	h, _ := newTestRouter(failingRuns{err: storeDown})

	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/v1/runs", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/v1/runs/r1", "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodPost, "/api/v1/runs/r1/cancel", "").Code)

	rec := do(t, h, http.MethodPost, "/api/v1/events", `{"branch":"main","commit":"abc"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "database is locked", decode(t, rec)["context"])

	h, _ = newTestRouter(failingRuns{err: storeDown, handle: &pipeline.RunHandle{ID: "run-9"}})
	rec = do(t, h, http.MethodPost, "/api/v1/events", `{"branch":"main","commit":"abc"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "run-9", decode(t, rec)["run_id"])
}

func TestMiddleware(t *testing.T) {
	h := Recovery(RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "bad id\nwith newline")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	ok := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, requestLog(r))
		w.Write([]byte(GetRequestID(r.Context())))
	}))
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	ok.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Body.String())

	cors := CORS([]string{"https://ci.example.com"})(ok)
	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://ci.example.com")
	rec = httptest.NewRecorder()
	cors.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ci.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocket_StreamsRunEvents(t *testing.T) {
	events := make(chan protocol.Event, 64)
	o := newTestOrchestrator(t, func(opts *pipeline.Options) {
		opts.Events = events
		opts.NewID = func() string { return "run-ws" }
	})
	srv := New(&config.ServerConfig{Host: "127.0.0.1"}, events, o)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.runBroadcaster(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?run_id=run-ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.clients.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Filtered out by run id.
	srv.clients.Broadcast(protocol.ErrorEvent{Metadata: protocol.Metadata{RunID: "other"}, Message: "nope"})

	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/events", `{"branch":"main","commit":"abc123"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var types []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			Type      string                     `json:"type"`
			EventType string                     `json:"event_type"`
			Payload   protocol.RunLifecycleEvent `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "event", msg.Type)
		require.Equal(t, "RunLifecycleEvent", msg.EventType)
		assert.Equal(t, "run-ws", msg.Payload.RunID)
		types = append(types, string(msg.Payload.Type))
		if msg.Payload.Type.IsTerminal() {
			break
		}
	}
	assert.Equal(t, "created", types[0])
	assert.Equal(t, "succeeded", types[len(types)-1])
	assert.Contains(t, types, "stage_started")
}

func TestClientFilters(t *testing.T) {
	c := &wsClient{}
	stageFailed := protocol.RunLifecycleEvent{RunID: "r1", Type: protocol.RunStageFailed}
	created := protocol.RunLifecycleEvent{RunID: "r2", Type: protocol.RunCreated}

	assert.True(t, c.matchesAny(created))

	c.apply(wsMessage{Type: "subscribe", Filters: SubscriptionFilter{Type: "stage_failed"}})
	assert.True(t, c.matchesAny(stageFailed))
	assert.False(t, c.matchesAny(created))

	c.apply(wsMessage{Type: "subscribe", Filters: SubscriptionFilter{RunID: "r2"}})
	assert.True(t, c.matchesAny(created))

	c.apply(wsMessage{Type: "unsubscribe", Filters: SubscriptionFilter{Type: "stage_failed"}})
	assert.False(t, c.matchesAny(stageFailed))
	assert.Len(t, c.filters, 1)
}
