package internal

import (
	"context"
	"errors"
	"log/slog"
)

// Gateway 把連線事件（開啟、訊息、關閉）轉成房間操作
//
// 本身不含任何模擬邏輯；握手與 session 指派由連線層負責。
type Gateway struct {
	manager     *Manager
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewGateway 創建連線閘道
func NewGateway(manager *Manager, broadcaster Broadcaster, logger *slog.Logger) *Gateway {
	return &Gateway{
		manager:     manager,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Open 連線開啟
//
//   - 新房間：先單獨通知「等待第二位玩家」
//   - 房間未滿：加入玩家並訂閱頻道；第二人加入時開始倒數
//   - 房間已滿、session 重複或房間由其他節點負責：只通知該連線，不訂閱
//
// 回傳連線是否成為玩家。
func (g *Gateway) Open(ctx context.Context, sessionID, roomID string, sub Subscriber) bool {
	room, res, err := g.manager.Join(roomID, sessionID)
	if err != nil {
		if errors.Is(err, ErrRoomFull) ||
			errors.Is(err, ErrAlreadyJoined) ||
			errors.Is(err, ErrRoomOwnedElsewhere) {
			g.logger.Info("拒絕加入",
				"room_id", roomID,
				"session_id", sessionID,
				"reason", err)
			g.send(sub, controlJSON(MsgInProgress))
			return false
		}
		g.logger.Error("加入房間失敗",
			"room_id", roomID,
			"session_id", sessionID,
			"error", err)
		return false
	}

	if res.Created {
		g.send(sub, controlJSON(MsgWaiting))
	}

	if err := g.broadcaster.Subscribe(roomID, sub); err != nil {
		g.logger.Error("訂閱房間頻道失敗",
			"room_id", roomID,
			"session_id", sessionID,
			"error", err)
	}

	if res.Players == MaxPlayers {
		room.Restart()
	}

	return true
}

// Message 客戶端訊息
//
// 可辨識的移動按鍵交給對應玩家；任何訊息都原樣轉發給房間其他訂閱者。
func (g *Gateway) Message(ctx context.Context, sessionID, roomID, senderID string, payload []byte) {
	in := ParseInbound(payload)

	switch in.Kind {
	case InboundMove:
		room, ok := g.manager.Get(roomID)
		if !ok {
			g.logger.Debug("房間不存在，忽略移動",
				"room_id", roomID,
				"session_id", sessionID)
			break
		}
		if err := room.Move(sessionID, in.Key); err != nil {
			g.logger.Debug("忽略移動",
				"room_id", roomID,
				"session_id", sessionID,
				"error", err)
		}
	default:
		if in.Err != nil {
			g.logger.Debug("無法辨識的客戶端訊息，原樣轉發",
				"room_id", roomID,
				"session_id", sessionID,
				"error", in.Err)
		}
	}

	if err := g.broadcaster.Relay(ctx, roomID, senderID, payload); err != nil {
		g.logger.Warn("轉發訊息失敗",
			"room_id", roomID,
			"session_id", sessionID,
			"error", err)
	}
}

// Close 連線關閉
//
// 房間清空時由 Manager 結束並移除；還剩一人時房間已重置，通知等待中。
func (g *Gateway) Close(ctx context.Context, sessionID, roomID string, sub Subscriber) {
	g.broadcaster.Unsubscribe(roomID, sub.ID())

	res, ok := g.manager.Leave(roomID, sessionID)
	if !ok || res.Remaining == 0 {
		return
	}

	msg := waitingJSON(res.Players, res.Playing)
	if err := g.broadcaster.Publish(ctx, roomID, msg); err != nil {
		g.logger.Warn("發布等待訊息失敗",
			"room_id", roomID,
			"error", err)
	}
}

func (g *Gateway) send(sub Subscriber, data []byte) {
	if err := sub.Send(data); err != nil {
		g.logger.Warn("訊息送出失敗",
			"subscriber_id", sub.ID(),
			"error", err)
	}
}
