package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qms/qsystem/internal/hub"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(nil)
	mux := http.NewServeMux()
	mux.Handle("/ws", NewWebSocketHandler(h, nil))
	mux.Handle(SockJSPrefix+"/", NewSockJSHandler(h, nil))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return h, server
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func readUpdate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg hub.Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, hub.MessageDataUpdated, msg.Type)
}

func TestWebSocketReceivesUpdates(t *testing.T) {
	h, server := newServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/ws"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 10*time.Millisecond)
	h.Notify("entry.created")
	readUpdate(t, conn)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSockJSRawWebSocketReceivesUpdates(t *testing.T) {
	h, server := newServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, SockJSPrefix+"/websocket"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 10*time.Millisecond)
	h.Notify("service.updated")
	readUpdate(t, conn)
}

func TestSockJSInfo(t *testing.T) {
	_, server := newServer(t)

	resp, err := http.Get(server.URL + SockJSPrefix + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var info struct {
		Websocket bool `json:"websocket"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.True(t, info.Websocket)
}
