package internal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionCookie 保存 session ID 的 cookie 名稱
const SessionCookie = "sessionId"

var errSendBufferFull = errors.New("發送緩衝區已滿")
var errConnectionClosed = errors.New("連線已關閉")

// WebSocketHub WebSocket 連線層
//
// 負責握手、session 指派與讀寫 goroutine；連線事件交給 Gateway 處理。
type WebSocketHub struct {
	gateway     *Gateway
	cfg         WebSocketConfig
	defaultRoom string
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	connections map[string]*Connection // connID -> Connection
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// Connection 一條 WebSocket 連線
type Connection struct {
	id        string
	SessionID string
	RoomID    string
	Conn      *websocket.Conn
	Hub       *WebSocketHub

	send      chan []byte
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	LastPing  time.Time
}

// NewWebSocketHub 創建 WebSocket 連線層
func NewWebSocketHub(gateway *Gateway, cfg WebSocketConfig, defaultRoom string, logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		gateway:     gateway,
		cfg:         cfg,
		defaultRoom: defaultRoom,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     hub.checkOrigin,
	}
	return hub
}

// checkOrigin 未設定白名單時接受所有來源
func (hub *WebSocketHub) checkOrigin(r *http.Request) bool {
	if len(hub.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(hub.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeWS 處理 WebSocket 連線
//
// 房間由查詢參數 channel 指定（預設 default）；session 取自 cookie，
// 沒有時產生新的 UUID 並在握手回應中設定 cookie。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("channel")
	if roomID == "" {
		roomID = hub.defaultRoom
	}

	sessionID := ""
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		sessionID = c.Value
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	header := http.Header{}
	header.Add("Set-Cookie", (&http.Cookie{Name: SessionCookie, Value: sessionID, Path: "/"}).String())

	conn, err := hub.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade 已回應錯誤給客戶端
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		id:        uuid.NewString(),
		SessionID: sessionID,
		RoomID:    roomID,
		Conn:      conn,
		Hub:       hub,
		send:      make(chan []byte, hub.cfg.SendBuffer),
		LastPing:  time.Now(),
	}
	hub.register(c)

	hub.logger.Info("WebSocket 連接建立",
		"room_id", roomID,
		"session_id", sessionID,
		"conn_id", c.id)

	hub.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// ID 連線 ID，作為訂閱者 ID
func (c *Connection) ID() string {
	return c.id
}

// Send 非阻塞地把訊息放進發送佇列
func (c *Connection) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// closeSend 關閉發送佇列，writePump 會送出關閉訊框後結束
func (c *Connection) closeSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

func (hub *WebSocketHub) register(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.connections[c.id] = c
}

func (hub *WebSocketHub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.connections, c.id)
}

// readPump 讀取客戶端消息
//
// 讀取期限為 PongWait，收到 Pong 時延長；讀取失敗代表連線結束。
func (c *Connection) readPump() {
	hub := c.Hub
	ctx := context.Background()

	admitted := hub.gateway.Open(ctx, c.SessionID, c.RoomID, c)

	defer func() {
		if admitted {
			hub.gateway.Close(ctx, c.SessionID, c.RoomID, c)
		}
		hub.unregister(c)
		c.closeSend()
		c.Conn.Close()
		hub.wg.Done()

		hub.logger.Info("WebSocket 連接關閉",
			"room_id", c.RoomID,
			"session_id", c.SessionID,
			"conn_id", c.id)
	}()

	if hub.cfg.MaxMessageSize > 0 {
		c.Conn.SetReadLimit(hub.cfg.MaxMessageSize)
	}
	if err := c.Conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait)); err != nil {
		hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return c.Conn.SetReadDeadline(time.Now().Add(hub.cfg.PongWait))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				hub.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"room_id", c.RoomID,
					"session_id", c.SessionID)
			}
			return
		}

		if messageType == websocket.TextMessage {
			hub.gateway.Message(ctx, c.SessionID, c.RoomID, c.id, message)
		}
	}
}

// writePump 寫入消息到客戶端，並每 PingInterval 發送一次 Ping
func (c *Connection) writePump() {
	hub := c.Hub
	ticker := time.NewTicker(hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		hub.wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(hub.cfg.WriteWait)); err != nil {
				hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 發送佇列已關閉，嘗試送出關閉訊框
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(hub.cfg.WriteWait)); err != nil {
				hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ConnectionCount 目前的連線數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Stop 關閉所有連線並等待讀寫 goroutine 結束
func (hub *WebSocketHub) Stop() {
	hub.mu.RLock()
	conns := make([]*Connection, 0, len(hub.connections))
	for _, c := range hub.connections {
		conns = append(conns, c)
	}
	hub.mu.RUnlock()

	for _, c := range conns {
		c.closeSend()
		c.Conn.Close()
	}
	hub.wg.Wait()

	hub.logger.Info("WebSocket Hub 已停止", "connections", len(conns))
}
