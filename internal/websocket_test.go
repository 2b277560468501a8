package internal_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/pong-server/internal"
)

type wsEnv struct {
	server  *httptest.Server
	manager *internal.Manager
	ws      *internal.WebSocketHub
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()

	cfg := internal.DefaultConfig()
	cfg.Game = fastGameConfig()

	logger := testLogger()
	hub := internal.NewHub(logger)
	manager := internal.NewManager(cfg.Game, hub, logger)
	gateway := internal.NewGateway(manager, hub, logger)
	ws := internal.NewWebSocketHub(gateway, cfg.WebSocket, cfg.Server.DefaultRoom, logger)
	handler := internal.NewHandler(manager, ws, logger)

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(func() {
		server.Close()
		ws.Stop()
		manager.Stop()
	})

	return &wsEnv{server: server, manager: manager, ws: ws}
}

// dial 連線到指定房間；sessionID 為空時由服務器指派
func (env *wsEnv) dial(t *testing.T, channel, sessionID string) (*websocket.Conn, *http.Response) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	if channel != "" {
		url += "?channel=" + channel
	}
	header := http.Header{}
	if sessionID != "" {
		header.Set("Cookie", internal.SessionCookie+"="+sessionID)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

// readUntil 讀取訊息直到 match 為真，回傳符合的訊息
func readUntil(t *testing.T, conn *websocket.Conn, match func(string) bool) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if match(string(data)) {
			return string(data)
		}
	}
}

func equals(want string) func(string) bool {
	return func(got string) bool { return got == want }
}

func sessionCookie(resp *http.Response) string {
	for _, c := range resp.Cookies() {
		if c.Name == internal.SessionCookie {
			return c.Value
		}
	}
	return ""
}

// TestWebSocket_GameFlow 兩個瀏覽器連線到同一個房間
func TestWebSocket_GameFlow(t *testing.T) {
	env := newWSEnv(t)

	c1, resp1 := env.dial(t, "lobby", "")
	session1 := sessionCookie(resp1)
	assert.NotEmpty(t, session1)
	readUntil(t, c1, equals(waitingMsg))

	c2, resp2 := env.dial(t, "lobby", "")
	session2 := sessionCookie(resp2)
	assert.NotEmpty(t, session2)
	assert.NotEqual(t, session1, session2)

	for _, msg := range countdownMessages(3) {
		readUntil(t, c1, equals(msg))
		readUntil(t, c2, equals(msg))
	}

	snap := readUntil(t, c2, func(m string) bool { return strings.HasPrefix(m, `{"ball"`) })
	var s internal.Snapshot
	require.NoError(t, json.Unmarshal([]byte(snap), &s))
	require.Len(t, s.Players, 2)
	assert.Equal(t, session1, s.Players[0].SessionID)
	assert.Equal(t, session2, s.Players[1].SessionID)
	assert.True(t, s.Play)

	// 移動按鍵轉發給對手
	require.NoError(t, c1.WriteMessage(websocket.TextMessage, []byte(`{"key":"ArrowUp"}`)))
	readUntil(t, c2, equals(`{"key":"ArrowUp"}`))

	room, ok := env.manager.Get("lobby")
	require.True(t, ok)
	assert.Equal(t, 210, room.Players()[0].RacketY)

	// P1 離線，P2 收到等待訊息
	require.NoError(t, c1.Close())
	msg := readUntil(t, c2, func(m string) bool { return strings.HasPrefix(m, `{"message":"Waiting`) })
	assert.JSONEq(t, `{"message":"Waiting 2nd player...","players":[{"sessionId":"`+session2+`","racketY":200,"score":0}],"play":false}`, msg)
}

// TestWebSocket_RoomFull 第三個連線只收到房間已滿
func TestWebSocket_RoomFull(t *testing.T) {
	env := newWSEnv(t)

	c1, resp1 := env.dial(t, "", "")
	readUntil(t, c1, equals(waitingMsg))
	env.dial(t, "", "")

	c3, _ := env.dial(t, "", "")
	readUntil(t, c3, equals(inProgressMsg))

	// 同一個 session 再開一條連線
	c4, resp4 := env.dial(t, "", sessionCookie(resp1))
	assert.Equal(t, sessionCookie(resp1), sessionCookie(resp4))
	readUntil(t, c4, equals(inProgressMsg))

	room, ok := env.manager.Get("default")
	require.True(t, ok)
	assert.Equal(t, 2, room.PlayerCount())

	// 被拒絕的連線關閉不影響房間
	require.NoError(t, c3.Close())
	require.NoError(t, c4.Close())
	assert.Never(t, func() bool { return room.PlayerCount() != 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestWebSocket_LastPlayerLeaves(t *testing.T) {
	env := newWSEnv(t)

	c1, _ := env.dial(t, "solo", "")
	readUntil(t, c1, equals(waitingMsg))
	assert.Equal(t, 1, env.manager.Count())

	require.NoError(t, c1.Close())
	assert.Eventually(t, func() bool { return env.manager.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return env.ws.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocket_CheckOrigin(t *testing.T) {
	cfg := internal.DefaultConfig()
	cfg.WebSocket.AllowedOrigins = []string{"https://pong.example.com"}

	logger := testLogger()
	hub := internal.NewHub(logger)
	manager := internal.NewManager(fastGameConfig(), hub, logger)
	defer manager.Stop()
	ws := internal.NewWebSocketHub(internal.NewGateway(manager, hub, logger), cfg.WebSocket, "default", logger)

	server := httptest.NewServer(http.HandlerFunc(ws.ServeWS))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://pong.example.com"}})
	require.NoError(t, err)
	conn.Close()
	ws.Stop()
}
