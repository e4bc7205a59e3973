package viewer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qms/qsystem/internal/httpapi"
	"qms/qsystem/internal/hub"
	"qms/qsystem/internal/ledger"
	"qms/qsystem/internal/models"
	"qms/qsystem/internal/realtime"
	"qms/qsystem/internal/store/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPIN = "1234"

func newQueueServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(nil)
	l := ledger.New(memory.NewStore(memory.Options{}), ledger.Options{Notifier: h})
	handler := httpapi.NewHandler(l, httpapi.Options{
		Guard:     httpapi.NewGuard(testPIN, ""),
		WebSocket: realtime.NewWebSocketHandler(h, nil),
	})
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)
	return server, h
}

func TestClientRoundTrip(t *testing.T) {
	server, _ := newQueueServer(t)
	client := NewClient(server.URL+"/", nil)
	ctx := context.Background()

	first, err := client.CheckIn(ctx, "Ana", "555", "", "")
	require.NoError(t, err)
	_, err = client.CheckIn(ctx, "Ben", "556", "", "")
	require.NoError(t, err)

	view, err := client.FetchView(ctx, "")
	require.NoError(t, err)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, first.ID, view.NowServing.ID)
	assert.Equal(t, 0, view.Entries[0].ETAMinutes)

	entries, err := client.FetchQueue(ctx, "", true)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	services, err := client.FetchServices(ctx)
	require.NoError(t, err)
	assert.Len(t, services, 1)
}

func TestClientUnauthorizedClearsPIN(t *testing.T) {
	server, _ := newQueueServer(t)
	client := NewClient(server.URL, nil)
	ctx := context.Background()

	entry, err := client.CheckIn(ctx, "Ana", "555", "", "")
	require.NoError(t, err)

	err = client.Authenticate(ctx, "0000")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, client.PIN())

	client.SetPIN("0000")
	_, err = client.SetStatus(ctx, entry.ID, models.StatusNotified)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, client.PIN())

	require.NoError(t, client.Authenticate(ctx, testPIN))
	updated, err := client.SetStatus(ctx, entry.ID, models.StatusNotified)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotified, updated.Status)
	assert.Equal(t, testPIN, client.PIN())

	_, err = client.SetStatus(ctx, entry.ID, "done")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_status", apiErr.Code)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://queue.local:3000/ws", NewClient("http://queue.local:3000", nil).WebSocketURL())
	assert.Equal(t, "wss://queue.local/ws", NewClient("https://queue.local/", nil).WebSocketURL())
}

func TestBoardKeepsLastGoodView(t *testing.T) {
	backend, _ := newQueueServer(t)
	var failing atomic.Bool
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, `{"error":{"code":"internal_error","message":"boom"}}`, http.StatusInternalServerError)
			return
		}
		resp, err := http.Get(backend.URL + r.URL.RequestURI())
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	defer proxy.Close()

	ctx := context.Background()
	_, err := NewClient(backend.URL, nil).CheckIn(ctx, "Ana", "555", "", "")
	require.NoError(t, err)

	var updates []Snapshot
	board := NewBoard(NewClient(proxy.URL, nil), BoardOptions{OnUpdate: func(s Snapshot) { updates = append(updates, s) }})
	require.NoError(t, board.Reload(ctx))
	good := board.Snapshot()
	require.Len(t, good.View.Entries, 1)
	require.NoError(t, good.Err)

	failing.Store(true)
	err = board.Reload(ctx)
	require.Error(t, err)

	snapshot := board.Snapshot()
	assert.Equal(t, err, snapshot.Err)
	assert.Len(t, snapshot.View.Entries, 1)
	assert.Equal(t, good.LoadedAt, snapshot.LoadedAt)
	assert.Len(t, updates, 2)

	failing.Store(false)
	require.NoError(t, board.Reload(ctx))
	assert.NoError(t, board.Snapshot().Err)
}

func TestBoardCoalescesConcurrentReloads(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"entries":[],"activeCount":0}`))
	}))
	defer server.Close()

	board := NewBoard(NewClient(server.URL, nil), BoardOptions{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = board.Reload(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return requests.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), requests.Load())
}

func TestPollerReloadsOnSchedule(t *testing.T) {
	server, _ := newQueueServer(t)
	var reloads atomic.Int32
	board := NewBoard(NewClient(server.URL, nil), BoardOptions{OnUpdate: func(Snapshot) { reloads.Add(1) }})

	poller := StartPoller(board, time.Second)
	defer poller.Stop()

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestListenerReloadsOnPush(t *testing.T) {
	server, h := newQueueServer(t)
	client := NewClient(server.URL, nil)

	updates := make(chan struct{}, 8)
	listener := NewListener(client.WebSocketURL(), func(context.Context) { updates <- struct{}{} }, ListenerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	waitUpdate(t, updates)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 10*time.Millisecond)

	_, err := client.CheckIn(context.Background(), "Ana", "555", "", "")
	require.NoError(t, err)
	waitUpdate(t, updates)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func TestListenerReconnects(t *testing.T) {
	var connections atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connections.Add(1)
		_ = conn.Close()
	}))
	defer server.Close()

	url := "ws" + server.URL[len("http"):]
	listener := NewListener(url, func(context.Context) {}, ListenerOptions{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Run(ctx) }()

	require.Eventually(t, func() bool { return connections.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func waitUpdate(t *testing.T, updates <-chan struct{}) {
	t.Helper()
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an update")
	}
}
