package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Subscriber 訂閱房間頻道的一方（通常是一條 WebSocket 連線）
type Subscriber interface {
	ID() string
	// Send 不可阻塞；佇列已滿或連線已關閉時回傳錯誤
	Send(data []byte) error
}

// Broadcaster 房間頻道的發布/訂閱
//
// 每個房間一個頻道，以房間 ID 為鍵。發布是 fire-and-forget，
// 只保證對目前訂閱者依序送達。
type Broadcaster interface {
	Subscribe(roomID string, sub Subscriber) error
	Unsubscribe(roomID, subscriberID string)
	Publish(ctx context.Context, roomID string, data []byte) error
	// Relay 發布給除了 senderID 以外的所有訂閱者
	Relay(ctx context.Context, roomID, senderID string, data []byte) error
	Subscribers(roomID string) int
	Close() error
}

// Hub 記憶體內的廣播中心
//
// 連接映射：map[roomID]map[subscriberID]Subscriber
//   - 發布只持有讀鎖，訂閱/取消訂閱持有寫鎖
//   - 送出失敗的訂閱者會被移除
type Hub struct {
	rooms  map[string]map[string]Subscriber
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewHub 創建記憶體廣播中心
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[string]Subscriber),
		logger: logger,
	}
}

// Subscribe 訂閱房間頻道，同一個 ID 重複訂閱會取代舊的
func (h *Hub) Subscribe(roomID string, sub Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, exists := h.rooms[roomID]
	if !exists {
		subs = make(map[string]Subscriber)
		h.rooms[roomID] = subs
	}
	subs[sub.ID()] = sub
	return nil
}

// Unsubscribe 取消訂閱，房間沒有訂閱者時移除頻道
func (h *Hub) Unsubscribe(roomID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(roomID, subscriberID)
}

func (h *Hub) unsubscribeLocked(roomID, subscriberID string) {
	subs, exists := h.rooms[roomID]
	if !exists {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(h.rooms, roomID)
	}
}

// Publish 發布給房間內所有訂閱者
func (h *Hub) Publish(ctx context.Context, roomID string, data []byte) error {
	return h.Relay(ctx, roomID, "", data)
}

// Relay 發布給房間內除了 senderID 以外的訂閱者
func (h *Hub) Relay(_ context.Context, roomID, senderID string, data []byte) error {
	h.mu.RLock()
	var failed []string
	for id, sub := range h.rooms[roomID] {
		if id == senderID {
			continue
		}
		if err := sub.Send(data); err != nil {
			h.logger.Warn("訊息送出失敗，移除訂閱者",
				"room_id", roomID,
				"subscriber_id", id,
				"error", err)
			failed = append(failed, id)
		}
	}
	h.mu.RUnlock()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, id := range failed {
			h.unsubscribeLocked(roomID, id)
		}
		h.mu.Unlock()
	}

	return nil
}

// Subscribers 房間目前的訂閱者數量
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Rooms 目前有訂閱者的頻道數
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Close 清空所有頻道
func (h *Hub) Close() error {
	h.mu.Lock()
	h.rooms = make(map[string]map[string]Subscriber)
	h.mu.Unlock()
	return nil
}

// NewBroadcaster 依配置建立廣播後端
func NewBroadcaster(ctx context.Context, cfg BroadcastConfig, logger *slog.Logger) (Broadcaster, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewHub(logger), nil

	case DriverNATS:
		transport, err := NewNATSTransport(cfg.NATS.URL, logger)
		if err != nil {
			return nil, err
		}
		return NewRelayBroadcaster(transport, cfg.SubjectPrefix, logger), nil

	case DriverRedis:
		transport, err := NewRedisTransport(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		return NewRelayBroadcaster(transport, cfg.SubjectPrefix, logger), nil

	default:
		return nil, fmt.Errorf("未知的廣播後端: %q", cfg.Driver)
	}
}
