package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/dbload/internal/storage"
	"github.com/gateway-fm/dbload/pkg/types"
)

type fakeController struct {
	status atomic.Value // types.LiveStatus
	stops  atomic.Int32
}

func newFakeController(status types.RunStatus) *fakeController {
	c := &fakeController{}
	c.status.Store(types.LiveStatus{RunID: "run-1", Status: status, Threads: 4, TargetTPS: 100})
	return c
}

func (c *fakeController) Status() types.LiveStatus { return c.status.Load().(types.LiveStatus) }
func (c *fakeController) Stop()                    { c.stops.Add(1) }

type fakeHealth struct{ err error }

func (h fakeHealth) Ping(context.Context) error { return h.err }

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newHistory(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	run := &storage.Run{ID: "r1", StartedAt: time.Now(), DBType: "sqlite", Mode: types.ModeFull, Threads: 2, DurationMs: 1000}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := s.BulkInsertTimeSeries(ctx, "r1", []types.TimeSeriesPoint{{Timestamp: time.Now(), TotalTransactions: 7}}); err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestServer(t *testing.T, ctrl RunController, history storage.Storage, health HealthChecker) *Server {
	t.Helper()
	s := NewServer(ctrl, history, health, quietLogger(), "", WithMetricsHandler(http.NotFoundHandler()))
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHandleStatus(t *testing.T) {
	ctrl := newFakeController(types.StatusRunning)
	h := newTestServer(t, ctrl, nil, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	got := decode[types.LiveStatus](t, rec)
	if got.RunID != "run-1" || got.Status != types.StatusRunning || got.TargetTPS != 100 {
		t.Errorf("unexpected status: %+v", got)
	}

	if rec := do(t, h, http.MethodPost, "/v1/status", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /v1/status = %d", rec.Code)
	}
}

func TestHandleStop(t *testing.T) {
	ctrl := newFakeController(types.StatusRunning)
	h := newTestServer(t, ctrl, nil, nil).Handler()

	if rec := do(t, h, http.MethodGet, "/v1/stop", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/stop = %d", rec.Code)
	}
	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodPost, "/v1/stop", ""); rec.Code != http.StatusOK {
			t.Errorf("POST /v1/stop = %d", rec.Code)
		}
	}
	if ctrl.stops.Load() != 2 {
		t.Errorf("Stop called %d times", ctrl.stops.Load())
	}
}

func TestCORS(t *testing.T) {
	ctrl := newFakeController(types.StatusIdle)

	tests := []struct {
		name    string
		allowed string
		origin  string
		want    string
	}{
		{"allow all", "*", "http://a.example", "*"},
		{"listed origin", "http://a.example, http://b.example", "http://b.example", "http://b.example"},
		{"unlisted origin", "http://a.example", "http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(ctrl, nil, nil, quietLogger(), tt.allowed)
			defer s.Close()

			req := httptest.NewRequest(http.MethodOptions, "/v1/status", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("OPTIONS = %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHistoryDisabled(t *testing.T) {
	h := newTestServer(t, newFakeController(types.StatusIdle), nil, nil).Handler()

	for _, path := range []string{"/v1/history", "/v1/history/r1"} {
		if rec := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, rec.Code)
		}
	}
}

func TestHistoryList(t *testing.T) {
	h := newTestServer(t, newFakeController(types.StatusIdle), newHistory(t), nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/history?limit=500&offset=-3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body.String())
	}
	page := decode[storage.PaginatedRuns](t, rec)
	if page.Total != 1 || len(page.Runs) != 1 || page.Runs[0].ID != "r1" {
		t.Errorf("unexpected page: %+v", page)
	}
	if page.Limit != defaultHistoryLimit || page.Offset != 0 {
		t.Errorf("out-of-range paging should fall back to defaults, got limit=%d offset=%d", page.Limit, page.Offset)
	}
}

func TestHistoryDetail(t *testing.T) {
	h := newTestServer(t, newFakeController(types.StatusIdle), newHistory(t), nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/history/r1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	detail := decode[storage.RunDetail](t, rec)
	if detail.Run == nil || detail.Run.ID != "r1" || len(detail.TimeSeries) != 1 || detail.TimeSeries[0].TotalTransactions != 7 {
		t.Errorf("unexpected detail: %+v", detail)
	}

	if rec := do(t, h, http.MethodGet, "/v1/history/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing run = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/v1/history/r1", "{}"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT = %d", rec.Code)
	}
}

func TestHistoryPatch(t *testing.T) {
	h := newTestServer(t, newFakeController(types.StatusIdle), newHistory(t), nil).Handler()

	rec := do(t, h, http.MethodPatch, "/v1/history/r1", `{"customName":"baseline","isFavorite":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body.String())
	}
	run := decode[storage.Run](t, rec)
	if run.CustomName == nil || *run.CustomName != "baseline" || !run.IsFavorite {
		t.Errorf("metadata not applied: %+v", run)
	}

	if rec := do(t, h, http.MethodPatch, "/v1/history/r1", `{bad`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/v1/history/missing", `{"isFavorite":true}`); rec.Code != http.StatusNotFound {
		t.Errorf("missing run = %d", rec.Code)
	}
}

func TestHistoryDelete(t *testing.T) {
	h := newTestServer(t, newFakeController(types.StatusIdle), newHistory(t), nil).Handler()

	if rec := do(t, h, http.MethodDelete, "/v1/history/r1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/v1/history/r1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	ctrl := newFakeController(types.StatusIdle)

	h := newTestServer(t, ctrl, nil, fakeHealth{}).Handler()
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("/ready = %d", rec.Code)
	}

	h = newTestServer(t, ctrl, nil, fakeHealth{err: errors.New("connection refused")}).Handler()
	rec := do(t, h, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready with failing database = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body should carry the check error: %s", rec.Body.String())
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	ctrl := newFakeController(types.StatusWarmup)
	s := NewServer(ctrl, nil, nil, quietLogger(), "", WithBroadcastInterval(20*time.Millisecond))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got types.LiveStatus
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != types.StatusWarmup || got.RunID != "run-1" {
		t.Errorf("unexpected broadcast: %+v", got)
	}

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health struct {
		WSClients int `json:"ws_clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.WSClients != 1 {
		t.Errorf("/health ws_clients = %d, want 1", health.WSClients)
	}
}

func TestWebSocketStopIdempotent(t *testing.T) {
	ws := NewWebSocketServer(newFakeController(types.StatusIdle), quietLogger(), 0)
	ws.Start()
	ws.Stop()
	ws.Stop()
	if ws.ClientCount() != 0 {
		t.Error("expected no clients after stop")
	}
}
