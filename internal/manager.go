package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   如何管理大量獨立的遊戲房間，讓每個房間名稱只對應一份模擬？
//
// 核心挑戰：
//   1. 併發首次加入：兩個連線同時進入新房間，只能建立一個 Room
//   2. 生命週期：最後一人離開時必須先取消計時器再移除，不留懸空的 tick
//   3. 多節點：共用代理時，其他節點不能再建立同名房間
//
// 設計方案：
//   ✅ 寫鎖內 find-or-create + 加入玩家 - 一次完成，沒有空房間的中間狀態
//   ✅ 移除前 Finish - 計時器全部停止後才刪除 map 項目
//   ✅ 房間租約（RoomClaims）- 建立前取得擁有權，移除後釋放

// Manager 房間註冊表（roomID → Room）
//
// 房間在第一名玩家加入時建立並啟動 tick 迴圈，最後一名玩家離開時
// 取消所有任務並移除。加入與離開都在註冊表的寫鎖內完成，
// 同一個 roomID 同時有兩個連線首次加入也只會建立一個房間。
//
// 系統設計考量：
//
//  1. 鎖順序：Manager.mu → Room.mu
//     - 房間的任務只拿 Room.mu，不會反過來取得 Manager.mu
//
//  2. 租約 I/O 在寫鎖內
//     - 只發生在建立與移除房間時，tick 不經過 Manager
//     - 代價是這段期間其他加入、離開會等待一次代理往返
type Manager struct {
	rooms       map[string]*Room
	mu          sync.RWMutex
	cfg         GameConfig
	broadcaster Broadcaster
	claims      RoomClaims // nil 表示單節點
	logger      *slog.Logger

	reportInterval time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
}

// ManagerOption Manager 選項
type ManagerOption func(*Manager)

// WithRoomClaims 多節點部署時以租約保證房間只存在於一個節點
func WithRoomClaims(claims RoomClaims) ManagerOption {
	return func(m *Manager) {
		m.claims = claims
	}
}

// claimTimeout 單次租約操作的上限
const claimTimeout = 2 * time.Second

// NewManager 創建房間管理器
func NewManager(cfg GameConfig, broadcaster Broadcaster, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		rooms:          make(map[string]*Room),
		cfg:            cfg,
		broadcaster:    broadcaster,
		logger:         logger,
		reportInterval: time.Minute,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.reportLoop()

	return m
}

// createLocked 取得擁有權後建立房間並啟動 tick 迴圈
func (m *Manager) createLocked(roomID string) (*Room, error) {
	if m.claims != nil {
		ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
		owned, err := m.claims.Claim(ctx, roomID)
		cancel()
		if err != nil {
			return nil, err
		}
		if !owned {
			return nil, ErrRoomOwnedElsewhere
		}
	}

	room := NewRoom(roomID, m.cfg, m.broadcaster, m.logger)
	room.Start()
	m.rooms[roomID] = room

	m.logger.Info("房間已創建", "room_id", roomID)
	return room, nil
}

// Join 找到或建立房間並加入玩家
//
// 房間已滿回傳 ErrRoomFull，同一個 session 重複加入回傳 ErrAlreadyJoined，
// 房間由其他節點負責時回傳 ErrRoomOwnedElsewhere（此時 Room 為 nil）。
func (m *Manager) Join(roomID, sessionID string) (*Room, JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, exists := m.rooms[roomID]
	if !exists {
		var err error
		if room, err = m.createLocked(roomID); err != nil {
			return nil, JoinResult{}, fmt.Errorf("加入房間 %s: %w", roomID, err)
		}
	}

	count, err := room.AddPlayer(sessionID)
	if err != nil {
		return room, JoinResult{Players: count, Created: !exists}, fmt.Errorf("加入房間 %s: %w", roomID, err)
	}

	m.logger.Info("玩家加入房間",
		"room_id", roomID,
		"session_id", sessionID,
		"players", count)

	return room, JoinResult{Players: count, Created: !exists}, nil
}

// LeaveResult 離開結果
type LeaveResult struct {
	Room      *Room
	Remaining int          // 剩餘人數
	Players   []PlayerData // 剩餘玩家（已重置）
	Playing   bool
}

// Leave 移除玩家
//
// 房間因此清空時結束並移除房間；還有玩家時重置房間回到等待狀態。
// 重置與移除都在註冊表鎖內完成，不會和同一房間的新加入交錯。
// 玩家或房間不存在時 ok 為 false。
func (m *Manager) Leave(roomID, sessionID string) (LeaveResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, exists := m.rooms[roomID]
	if !exists {
		return LeaveResult{}, false
	}

	remaining, ok := room.RemovePlayer(sessionID)
	if !ok {
		return LeaveResult{Room: room, Remaining: remaining}, false
	}

	m.logger.Info("玩家離開房間",
		"room_id", roomID,
		"session_id", sessionID,
		"players", remaining)

	if remaining == 0 {
		m.removeLocked(roomID)
		return LeaveResult{Room: room}, true
	}

	room.Reset()
	return LeaveResult{
		Room:      room,
		Remaining: remaining,
		Players:   room.Players(),
		Playing:   room.Playing(),
	}, true
}

// Get 獲取房間
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, exists := m.rooms[roomID]
	return room, exists
}

// Remove 結束並移除房間
func (m *Manager) Remove(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(roomID)
}

func (m *Manager) removeLocked(roomID string) {
	room, exists := m.rooms[roomID]
	if !exists {
		return
	}

	room.Finish()
	delete(m.rooms, roomID)
	m.releaseClaim(roomID)

	m.logger.Info("房間已移除", "room_id", roomID)
}

func (m *Manager) releaseClaim(roomID string) {
	if m.claims == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()
	if err := m.claims.Release(ctx, roomID); err != nil {
		m.logger.Warn("釋放房間租約失敗", "room_id", roomID, "error", err)
	}
}

// Count 房間數量
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Stats 獲取統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	statusCount := make(map[RoomStatus]int)
	totalPlayers := 0
	matches := 0
	for _, room := range rooms {
		statusCount[room.Status()]++
		totalPlayers += room.PlayerCount()
		matches += room.Matches()
	}

	return map[string]any{
		"total_rooms":   len(rooms),
		"total_players": totalPlayers,
		"matches":       matches,
		"by_status":     statusCount,
	}
}

// reportLoop 定期記錄房間統計
func (m *Manager) reportLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := m.Stats()
			m.logger.Debug("房間統計",
				"rooms", stats["total_rooms"],
				"players", stats["total_players"])
		case <-m.stopCh:
			return
		}
	}
}

// Stop 停止管理器，結束所有房間並等待任務 goroutine 結束
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for id, room := range m.rooms {
		room.Finish()
		rooms = append(rooms, room)
		delete(m.rooms, id)
		m.releaseClaim(id)
	}
	m.mu.Unlock()

	for _, room := range rooms {
		room.Wait()
	}

	m.logger.Info("房間管理器已停止", "rooms", len(rooms))
}
