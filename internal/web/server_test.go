package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/indexswap/internal/config"
	"github.com/mtzanidakis/indexswap/internal/natsbus"
	"github.com/mtzanidakis/indexswap/internal/store"
	"github.com/mtzanidakis/indexswap/internal/swap"
)

type fakeSwapper struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	started  map[string][]swap.ModuleInput
	stopped  []string
	startErr error
}

func newFakeSwapper() *fakeSwapper {
	return &fakeSwapper{
		sessions: make(map[string]*store.Session),
		started:  make(map[string][]swap.ModuleInput),
	}
}

func (f *fakeSwapper) add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Unix(1767225600, 0)
	f.sessions[id] = &store.Session{
		ID: id, Username: "U2220001A", NumModules: 2, Status: store.StatusIdle,
		CreatedAt: now, ExpiresAt: now.Add(2 * time.Hour),
	}
}

func (f *fakeSwapper) OpenSession(_ context.Context, username, _ string, n int) (*store.Session, error) {
	id := fmt.Sprintf("sess-%s", username)
	f.add(id)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].NumModules = n
	return f.sessions[id], nil
}

func (f *fakeSwapper) get(id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeSwapper) SessionInfo(_ context.Context, id string) (*store.Session, error) {
	return f.get(id)
}

func (f *fakeSwapper) CloseSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeSwapper) StartSwap(_ context.Context, id string, in []swap.ModuleInput) error {
	if _, err := f.get(id); err != nil {
		return err
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[id] = in
	return nil
}

func (f *fakeSwapper) GetStatus(_ context.Context, id string) (swap.Status, error) {
	s, err := f.get(id)
	if err != nil {
		return swap.Status{}, err
	}
	return swap.Status{Status: s.Status, Message: s.Message, StartedAt: s.StartedAt, Modules: s.Modules}, nil
}

func (f *fakeSwapper) StopSwap(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeSwapper) Running() int { return 0 }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, swaps Swapper, ping Pinger) *Server {
	t.Helper()
	return NewServer(swaps, ping, nil, prometheus.NewRegistry(), config.WebConfig{
		AllowedOrigins: []string{"http://localhost:3000", "https://ntu-add-drop-automator*.vercel.app"},
	}, "test")
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestLogin(t *testing.T) {
	h := newTestServer(t, newFakeSwapper(), fakePinger{}).Handler()

	rec, out := do(t, h, "POST", "/api/login", `{"username":"U2220001A","password":"pw","num_modules":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "sess-U2220001A", out["session_id"])
	assert.Equal(t, float64(3), out["num_modules"])
}

func TestLoginValidation(t *testing.T) {
	h := newTestServer(t, newFakeSwapper(), fakePinger{}).Handler()
	tests := []struct {
		name, body, msg string
	}{
		{"no username", `{"username":" ","password":"pw","num_modules":1}`, "Username is required"},
		{"long username", `{"username":"` + strings.Repeat("u", 51) + `","password":"pw","num_modules":1}`, "Username must be between 1 and 50 characters"},
		{"no password", `{"username":"u","password":"","num_modules":1}`, "Password is required"},
		{"long password", `{"username":"u","password":"` + strings.Repeat("p", 101) + `","num_modules":1}`, "Password must be between 1 and 100 characters"},
		{"zero modules", `{"username":"u","password":"pw","num_modules":0}`, "Number of Modules must be between 1 and 6"},
		{"seven modules", `{"username":"u","password":"pw","num_modules":7}`, "Number of Modules must be between 1 and 6"},
		{"bad json", `{`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := do(t, h, "POST", "/api/login", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, tt.msg, out["message"])
		})
	}
}

func TestSessionStatusAndLogout(t *testing.T) {
	swaps := newFakeSwapper()
	swaps.add("abc")
	h := newTestServer(t, swaps, fakePinger{}).Handler()

	rec, out := do(t, h, "GET", "/api/session-status/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["authenticated"])
	assert.Equal(t, "U2220001A", out["username"])
	assert.Equal(t, "Idle", out["swap_status"])
	assert.Equal(t, float64(1767225600+7200), out["expires_at"])

	rec, _ = do(t, h, "POST", "/api/logout/abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out = do(t, h, "GET", "/api/session-status/abc", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Session not found", out["message"])

	// Logging out twice is fine.
	rec, _ = do(t, h, "POST", "/api/logout/abc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitSwap(t *testing.T) {
	swaps := newFakeSwapper()
	swaps.add("abc")
	h := newTestServer(t, swaps, fakePinger{}).Handler()

	body := `{"session_id":"abc","modules":[
		{"old_index":"01172","new_indexes":["01180","01181"]},
		{"oldIndex":"02210","new_indexes":"02215, 02216"}
	]}`
	rec, out := do(t, h, "POST", "/api/submit-swap", body)
	require.Equal(t, http.StatusOK, rec.Code, out)
	assert.Equal(t, true, out["success"])

	got := swaps.started["abc"]
	require.Len(t, got, 2)
	assert.Equal(t, swap.ModuleInput{OldIndex: "01172", NewIndexes: []string{"01180", "01181"}}, got[0])
	assert.Equal(t, "02210", got[1].OldIndex)
	assert.Equal(t, []string{"02215", "02216"}, got[1].NewIndexes)
}

func TestSubmitSwapErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		code     int
	}{
		{"no session", `{"modules":[{"old_index":"1","new_indexes":["2"]}]}`, nil, http.StatusUnauthorized},
		{"unknown session", `{"session_id":"nope","modules":[{"old_index":"1","new_indexes":["2"]}]}`, nil, http.StatusUnauthorized},
		{"no modules", `{"session_id":"abc","modules":[]}`, nil, http.StatusBadRequest},
		{"long index", `{"session_id":"abc","modules":[{"old_index":"01234567890","new_indexes":["2"]}]}`, nil, http.StatusBadRequest},
		{"bad indexes", `{"session_id":"abc","modules":[{"old_index":"1","new_indexes":5}]}`, nil, http.StatusBadRequest},
		{"invalid", `{"session_id":"abc","modules":[{"old_index":"1","new_indexes":[]}]}`, fmt.Errorf("%w: module 1 has no new indexes", swap.ErrInvalidRequest), http.StatusBadRequest},
		{"expired", `{"session_id":"abc","modules":[{"old_index":"1","new_indexes":["2"]}]}`, store.ErrExpired, http.StatusUnauthorized},
		{"in progress", `{"session_id":"abc","modules":[{"old_index":"1","new_indexes":["2"]}]}`, swap.ErrSwapInProgress, http.StatusConflict},
		{"busy", `{"session_id":"abc","modules":[{"old_index":"1","new_indexes":["2"]}]}`, swap.ErrBusy, http.StatusServiceUnavailable},
		{"internal", `{"session_id":"abc","modules":[{"old_index":"1","new_indexes":["2"]}]}`, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			swaps := newFakeSwapper()
			swaps.add("abc")
			swaps.startErr = tt.startErr
			h := newTestServer(t, swaps, fakePinger{}).Handler()

			rec, out := do(t, h, "POST", "/api/submit-swap", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, false, out["success"])
			assert.NotEqual(t, "disk full", out["message"])
		})
	}
}

func TestSwapStatus(t *testing.T) {
	swaps := newFakeSwapper()
	swaps.add("abc")
	started := time.Unix(1767226000, 0)
	swaps.sessions["abc"].Status = store.StatusProcessing
	swaps.sessions["abc"].Message = "Logging into NTU portal..."
	swaps.sessions["abc"].StartedAt = &started
	swaps.sessions["abc"].Modules = []store.Module{{OldIndex: "01172", NewIndexes: []string{"01180"}, Message: "Pending..."}}
	swaps.add("idle")
	h := newTestServer(t, swaps, fakePinger{}).Handler()

	rec, out := do(t, h, "GET", "/api/swap-status/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Processing", out["status"])
	assert.Equal(t, "Logging into NTU portal...", out["message"])
	assert.Equal(t, float64(1767226000), out["started_at"])
	details := out["details"].([]any)
	require.Len(t, details, 1)
	assert.Equal(t, "01172", details[0].(map[string]any)["old_index"])

	_, out = do(t, h, "GET", "/api/swap-status/idle", "")
	assert.Nil(t, out["started_at"])
	assert.Equal(t, []any{}, out["details"])

	rec, _ = do(t, h, "GET", "/api/swap-status/missing", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStopSwap(t *testing.T) {
	swaps := newFakeSwapper()
	h := newTestServer(t, swaps, fakePinger{}).Handler()

	rec, out := do(t, h, "POST", "/api/stop-swap/anything", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, []string{"anything"}, swaps.stopped)
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, newFakeSwapper(), fakePinger{}).Handler()

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://localhost:3000", true},
		{"https://ntu-add-drop-automator-git-main.vercel.app", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("OPTIONS", "/api/login", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		if tt.allowed {
			assert.Equal(t, tt.origin, rec.Header().Get("Access-Control-Allow-Origin"), tt.origin)
		} else {
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), tt.origin)
		}
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, newFakeSwapper(), fakePinger{}).Handler()
	rec, out := do(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, "test", out["version"])

	for _, path := range []string{"/live", "/ready"} {
		rec, _ := do(t, h, "GET", path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec, _ = do(t, h, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthStoreDown(t *testing.T) {
	h := newTestServer(t, newFakeSwapper(), fakePinger{err: errors.New("database is locked")}).Handler()

	rec, out := do(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", out["status"])

	rec, _ = do(t, h, "GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, _ = do(t, h, "GET", "/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketStreamsSessionEvents(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	swaps := newFakeSwapper()
	swaps.add("abc")
	srv := NewServer(swaps, fakePinger{}, client, nil, config.WebConfig{}, "test")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)
	require.NoError(t, srv.subscribeEvents())
	require.NoError(t, client.Flush())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/abc"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot natsbus.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	st, ok := snapshot.DecodeStatus()
	require.True(t, ok)
	assert.Equal(t, store.StatusIdle, st.Status)
	assert.Equal(t, natsbus.SessionKey("abc"), snapshot.SessionID)

	pub := natsbus.NewPublisher(client)
	// Registration is asynchronous; publish until the event arrives.
	done := make(chan natsbus.Event, 1)
	go func() {
		for {
			var ev natsbus.Event
			if err := conn.ReadJSON(&ev); err != nil {
				close(done)
				return
			}
			if ev.Type == natsbus.EventModule {
				done <- ev
				return
			}
		}
	}()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				pub.PublishModule("other", 0, store.Module{OldIndex: "999"})
				pub.PublishModule("abc", 1, store.Module{OldIndex: "01172", Swapped: true})
			}
		}
	}()

	ev, ok := <-done
	require.True(t, ok, "no module event received")
	var data natsbus.ModuleData
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, 1, data.Position)
	assert.Equal(t, "01172", data.Module.OldIndex)
}

func TestWebSocketUnknownSession(t *testing.T) {
	h := newTestServer(t, newFakeSwapper(), fakePinger{}).Handler()
	rec, _ := do(t, h, "GET", "/api/ws/missing", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
