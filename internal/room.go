package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/rand"
)

// MaxPlayers 每個房間最多兩名玩家
const MaxPlayers = 2

var (
	ErrRoomFull       = errors.New("房間已滿")
	ErrAlreadyJoined  = errors.New("玩家已在房間內")
	ErrRoomClosed     = errors.New("房間已關閉")
	ErrPlayerNotFound = errors.New("玩家不在房間內")
)

// RoomStatus 房間狀態
//
//	waiting ──第二人加入──▶ countdown ──倒數歸零──▶ playing
//	   ▲                      ▲                    │  ▲
//	   │ 剩一人               │ 有人獲勝            得分│  │暫停結束
//	   │                      └──────── playing ◀──┘  │
//	   └──────────────── 任何狀態          paused ─────┘
//
// 房間沒有玩家時直接從 Manager 移除，不存在 empty 狀態。
type RoomStatus string

const (
	StatusWaiting   RoomStatus = "waiting"   // 只有一名玩家
	StatusIdle      RoomStatus = "idle"      // 兩名玩家但尚未開始倒數
	StatusCountdown RoomStatus = "countdown" // 新局倒數中
	StatusPlaying   RoomStatus = "playing"   // 遊戲進行中
	StatusPaused    RoomStatus = "paused"    // 得分後暫停
	StatusClosed    RoomStatus = "closed"    // 已結束，計時器全部取消
)

// 系統設計問題：
//   如何在每個房間內以固定頻率推進模擬，同時處理倒數、暫停與玩家進出？
//
// 核心挑戰：
//   1. 計時器交錯：tick、倒數、得分暫停可能同時觸發，互相覆寫 playing
//   2. 懸空計時器：房間移除後計時器仍在執行，引用已刪除的房間
//   3. 廣播延遲：發布到代理是網路 I/O，不能拖慢 tick
//
// 設計方案：
//   ✅ 單一互斥鎖 - 三種任務的回呼都在 Room.mu 內執行，一次只有一個
//   ✅ 任務句柄 - 每個任務可取消，回呼先確認自己仍是目前的任務
//   ✅ Outbox - 鎖內只排入訊息，解鎖後依序發布

// Room 遊戲房間
//
// 一把互斥鎖保護所有狀態；tick、倒數、暫停三個任務的回呼都在鎖內執行。
// 鎖內產生的訊息先放進 outbox，解鎖後依序發布，發布不會阻塞模擬。
type Room struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	players   []*Player // 加入順序：第一位是左拍
	ball      Ball
	playing   bool
	closed    bool
	countdown int
	matches   int

	ticker    *task
	countTask *task
	pauseTask *task
	sched     *scheduler

	outbox [][]byte
	pubMu  sync.Mutex // 保持發布順序

	cfg         GameConfig
	jitter      Jitter
	broadcaster Broadcaster
	logger      *slog.Logger
}

// JoinResult 加入結果
type JoinResult struct {
	Players int  // 加入後的玩家數
	Created bool // 房間是否剛被建立
}

// NewRoom 創建新房間
func NewRoom(id string, cfg GameConfig, broadcaster Broadcaster, logger *slog.Logger) *Room {
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	r := &Room{
		ID:          id,
		CreatedAt:   time.Now(),
		players:     make([]*Player, 0, MaxPlayers),
		ball:        NewBall(),
		cfg:         cfg,
		jitter:      rand.New(rand.NewSource(seed)),
		broadcaster: broadcaster,
		logger:      logger.With("room_id", id),
	}
	r.sched = newScheduler(&r.mu, r.flush)
	return r
}

// AddPlayer 加入玩家
func (r *Room) AddPlayer(sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return len(r.players), ErrRoomClosed
	}
	if r.findLocked(sessionID) != nil {
		return len(r.players), ErrAlreadyJoined
	}
	if len(r.players) >= MaxPlayers {
		return len(r.players), ErrRoomFull
	}

	p := NewPlayer(sessionID)
	p.Speed = r.cfg.PaddleSpeed
	r.players = append(r.players, p)
	return len(r.players), nil
}

// RemovePlayer 移除玩家並取消倒數與暫停
//
// 回傳剩餘人數；玩家不在房間內時 ok 為 false。
func (r *Room) RemovePlayer(sessionID string) (remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.players {
		if p.SessionID == sessionID {
			r.players = append(r.players[:i], r.players[i+1:]...)
			stopTask(&r.countTask)
			stopTask(&r.pauseTask)
			return len(r.players), true
		}
	}
	return len(r.players), false
}

// Move 移動玩家的拍子；找不到玩家時回傳 ErrPlayerNotFound
func (r *Room) Move(sessionID string, key MoveKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(sessionID)
	if p == nil {
		return ErrPlayerNotFound
	}
	p.Move(key, r.playing)
	return nil
}

// Start 啟動 tick 迴圈；已啟動或已關閉時不做事
//
// 迴圈在 playing 為 false 時空轉。
func (r *Room) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.ticker != nil {
		return
	}
	r.ticker = r.sched.every("tick", r.cfg.TickInterval, func(*task) {
		r.tickLocked()
	})
	r.logger.Debug("tick 迴圈已啟動", "interval", r.cfg.TickInterval)
}

// Restart 開始新局倒數
func (r *Room) Restart() {
	r.mu.Lock()
	r.restartLocked()
	r.mu.Unlock()
	r.flush()
}

// Pause 暫停，經過 PointPause 後若仍有兩名玩家則恢復
func (r *Room) Pause() {
	r.mu.Lock()
	r.pauseLocked()
	r.mu.Unlock()
}

// Reset 停止遊戲並把拍子、分數與球放回起始狀態
func (r *Room) Reset() {
	r.mu.Lock()
	r.resetLocked()
	r.mu.Unlock()
}

// Finish 取消所有任務並關閉房間，可重複呼叫
func (r *Room) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.playing = false
	stopTask(&r.ticker)
	stopTask(&r.countTask)
	stopTask(&r.pauseTask)
	r.logger.Debug("房間任務已全部取消")
}

// Wait 等待房間所有任務 goroutine 結束，需在 Finish 之後呼叫
func (r *Room) Wait() {
	r.sched.Wait()
}

// Step 立即執行一次 tick（供測試與除錯使用）
func (r *Room) Step() {
	r.mu.Lock()
	r.tickLocked()
	r.mu.Unlock()
	r.flush()
}

// PlaceBall 直接設定球的狀態（供測試與除錯使用）
func (r *Room) PlaceBall(x, y, heading, speed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ball.Set(x, y, heading, speed)
}

// SetPlaying 直接設定 playing（供測試與除錯使用）
func (r *Room) SetPlaying(playing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = playing
}

// tickLocked 一個模擬步驟：碰撞 → 得分處理 → 位移 → 廣播
func (r *Room) tickLocked() {
	if !r.playing || len(r.players) < MaxPlayers {
		return
	}
	left, right := r.players[0], r.players[1]

	outcome := r.ball.Collide(left, right, r.jitter, r.cfg.Jitter, r.cfg.MaxBallSpeed)
	switch outcome {
	case OutcomeRightScore:
		r.scoreLocked(right, outcome)
	case OutcomeLeftScore:
		r.scoreLocked(left, outcome)
	}

	// 得分後球停在重置位置，這個 tick 不再移動
	if !outcome.Scored() {
		r.ball.Move(left, right)
	}
	left.settle()
	right.settle()

	r.enqueue(mustJSON(r.snapshotLocked()))
}

// scoreLocked 得分處理
//
// 達到勝利門檻：重置後重新倒數；否則拍子回到基準位置、球回中央並暫停。
func (r *Room) scoreLocked(scorer *Player, outcome Outcome) {
	scorer.AddPoint()
	r.logger.Info("得分",
		"session_id", scorer.SessionID,
		"score", scorer.Score)

	if scorer.IsWinner(r.cfg.WinScore) {
		r.matches++
		r.logger.Info("比賽結束", "winner", scorer.SessionID, "matches", r.matches)
		r.resetLocked()
		r.restartLocked()
		return
	}

	for _, p := range r.players {
		p.Reset(PaddleStartY, p.Score, p.Speed)
	}
	r.ball.Recenter(outcome)
	r.pauseLocked()
}

// restartLocked 倒數 N..1，倒數到 PauseArmAt 時啟動暫停，歸零時開始遊戲
func (r *Room) restartLocked() {
	if r.closed {
		return
	}
	r.playing = false
	stopTask(&r.countTask)
	r.countdown = r.cfg.CountdownFrom

	r.countTask = r.sched.every("countdown", r.cfg.CountdownStep, func(t *task) {
		if len(r.players) < MaxPlayers {
			t.Stop()
			r.clearTask(&r.countTask, t)
			return
		}

		if r.countdown <= 0 {
			t.Stop()
			r.clearTask(&r.countTask, t)
			stopTask(&r.pauseTask)
			r.playing = true
			r.logger.Info("遊戲開始")
			return
		}

		r.enqueue(countdownJSON(r.countdown))
		if r.countdown == r.cfg.PauseArmAt {
			r.pauseLocked()
		}
		r.countdown--
	})
}

// pauseLocked 停止遊戲，PointPause 後恢復
//
// 倒數進行中不會恢復，由倒數歸零負責開始遊戲。
func (r *Room) pauseLocked() {
	if r.closed {
		return
	}
	r.playing = false
	stopTask(&r.pauseTask)

	r.pauseTask = r.sched.after("pause", r.cfg.PointPause, func(t *task) {
		r.clearTask(&r.pauseTask, t)
		if len(r.players) < MaxPlayers || r.countTask != nil {
			return
		}
		r.playing = true
	})
}

func (r *Room) resetLocked() {
	r.playing = false
	stopTask(&r.pauseTask)
	for _, p := range r.players {
		p.Reset(PaddleStartY, 0, r.cfg.PaddleSpeed)
	}
	r.ball.Serve()
}

// clearTask 任務結束時清除欄位，避免清掉已被取代的新任務
func (r *Room) clearTask(slot **task, t *task) {
	if *slot == t {
		*slot = nil
	}
}

func stopTask(slot **task) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

func (r *Room) findLocked(sessionID string) *Player {
	for _, p := range r.players {
		if p.SessionID == sessionID {
			return p
		}
	}
	return nil
}

func (r *Room) snapshotLocked() Snapshot {
	return Snapshot{
		Ball:    BallData{X: r.ball.X, Y: r.ball.Y},
		Players: r.playersLocked(),
		Play:    r.playing,
	}
}

func (r *Room) playersLocked() []PlayerData {
	data := make([]PlayerData, 0, len(r.players))
	for _, p := range r.players {
		data = append(data, p.Data())
	}
	return data
}

// enqueue 在鎖內排隊一則要發布的訊息
func (r *Room) enqueue(data []byte) {
	r.outbox = append(r.outbox, data)
}

// flush 解鎖後發布排隊中的訊息
func (r *Room) flush() {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	msgs := r.outbox
	r.outbox = nil
	r.mu.Unlock()

	for _, data := range msgs {
		if err := r.broadcaster.Publish(context.Background(), r.ID, data); err != nil {
			r.logger.Warn("發布訊息失敗", "error", err)
		}
	}
}

// Playing 是否正在進行
func (r *Room) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// PlayerCount 玩家數量
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// Players 玩家資料（依加入順序）
func (r *Room) Players() []PlayerData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playersLocked()
}

// Ball 球目前的狀態
func (r *Room) Ball() Ball {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ball
}

// Snapshot 目前的遊戲狀態
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Ticking tick 迴圈是否在執行
func (r *Room) Ticking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticker != nil
}

// Matches 已完成的比賽數
func (r *Room) Matches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matches
}

// Status 由目前狀態推導出的房間狀態
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.closed:
		return StatusClosed
	case len(r.players) < MaxPlayers:
		return StatusWaiting
	case r.countTask != nil:
		return StatusCountdown
	case r.playing:
		return StatusPlaying
	case r.pauseTask != nil:
		return StatusPaused
	default:
		return StatusIdle
	}
}
