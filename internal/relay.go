package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// BrokerTransport 外部訊息代理（NATS、Redis）的最小介面
type BrokerTransport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (BrokerSubscription, error)
	Close() error
}

// BrokerSubscription 代理端的訂閱
type BrokerSubscription interface {
	Unsubscribe() error
}

// envelope 代理上傳遞的訊息，帶上發送者以便 Relay 排除
type envelope struct {
	Sender  string `json:"sender,omitempty"`
	Payload []byte `json:"payload"`
}

// RelayBroadcaster 經由外部代理廣播
//
// 架構：
//
//	Publish → 代理 subject <prefix>.<room> → 本機 Hub → 連線
//
// 本機某房間出現第一個訂閱者時向代理訂閱該房間，最後一個離開時取消。
// 發布一律經過代理，因此同一頻道的訊息由代理保證順序。
type RelayBroadcaster struct {
	local     *Hub
	transport BrokerTransport
	prefix    string
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]BrokerSubscription // roomID → 代理訂閱
}

// NewRelayBroadcaster 創建經由代理的廣播器
func NewRelayBroadcaster(transport BrokerTransport, prefix string, logger *slog.Logger) *RelayBroadcaster {
	return &RelayBroadcaster{
		local:     NewHub(logger),
		transport: transport,
		prefix:    prefix,
		logger:    logger,
		subs:      make(map[string]BrokerSubscription),
	}
}

// Subject 房間對應的代理 subject
//
// 房間 ID 以 base64url 編碼，避免 '.'、'*'、'>' 或空白破壞 subject。
func (b *RelayBroadcaster) Subject(roomID string) string {
	return b.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

// Subscribe 訂閱房間頻道
func (b *RelayBroadcaster) Subscribe(roomID string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[roomID]; !exists {
		bs, err := b.transport.Subscribe(b.Subject(roomID), func(data []byte) {
			b.deliver(roomID, data)
		})
		if err != nil {
			return fmt.Errorf("訂閱代理 subject 失敗: %w", err)
		}
		b.subs[roomID] = bs
	}

	return b.local.Subscribe(roomID, sub)
}

// Unsubscribe 取消訂閱；本機沒有訂閱者時取消代理訂閱
func (b *RelayBroadcaster) Unsubscribe(roomID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.local.Unsubscribe(roomID, subscriberID)
	if b.local.Subscribers(roomID) > 0 {
		return
	}

	if bs, exists := b.subs[roomID]; exists {
		if err := bs.Unsubscribe(); err != nil {
			b.logger.Warn("取消代理訂閱失敗", "room_id", roomID, "error", err)
		}
		delete(b.subs, roomID)
	}
}

// Publish 發布給房間所有訂閱者
func (b *RelayBroadcaster) Publish(ctx context.Context, roomID string, data []byte) error {
	return b.Relay(ctx, roomID, "", data)
}

// Relay 發布給房間內除了 senderID 以外的訂閱者
func (b *RelayBroadcaster) Relay(ctx context.Context, roomID, senderID string, data []byte) error {
	msg, err := json.Marshal(envelope{Sender: senderID, Payload: data})
	if err != nil {
		return fmt.Errorf("序列化代理訊息失敗: %w", err)
	}
	if err := b.transport.Publish(ctx, b.Subject(roomID), msg); err != nil {
		return fmt.Errorf("發布到代理失敗: %w", err)
	}
	return nil
}

// deliver 代理送達的訊息轉給本機訂閱者
func (b *RelayBroadcaster) deliver(roomID string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("無法解析代理訊息", "room_id", roomID, "error", err)
		return
	}
	_ = b.local.Relay(context.Background(), roomID, env.Sender, env.Payload)
}

// Subscribers 本機訂閱者數量
func (b *RelayBroadcaster) Subscribers(roomID string) int {
	return b.local.Subscribers(roomID)
}

// Close 取消所有代理訂閱並關閉代理連線
func (b *RelayBroadcaster) Close() error {
	b.mu.Lock()
	for roomID, bs := range b.subs {
		if err := bs.Unsubscribe(); err != nil {
			b.logger.Warn("取消代理訂閱失敗", "room_id", roomID, "error", err)
		}
		delete(b.subs, roomID)
	}
	b.mu.Unlock()

	_ = b.local.Close()
	return b.transport.Close()
}
