package internal

import (
	"encoding/json"
	"fmt"
)

// 控制訊息內容
const (
	MsgWaiting    = "Waiting 2nd player..."
	MsgInProgress = "The game is in process already"
	msgCountdown  = "New game in: %d"
)

// InboundKind 客戶端訊息種類
type InboundKind int

const (
	InboundOpaque InboundKind = iota // 無法辨識，原樣轉發
	InboundMove                      // 移動拍子
)

// Inbound 客戶端訊息
//
// 只有 {"key": "ArrowUp" | "ArrowDown"} 會被視為 Move，
// 其餘（包括無法解析的 JSON）一律當作 Opaque。
type Inbound struct {
	Kind InboundKind
	Key  MoveKey
	Raw  []byte
	Err  error // 解析失敗的原因，Opaque 時才可能非 nil
}

// ParseInbound 在邊界驗證客戶端訊息，不會回傳錯誤
func ParseInbound(raw []byte) Inbound {
	in := Inbound{Kind: InboundOpaque, Raw: raw}

	var msg struct {
		Key *string `json:"key"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		in.Err = fmt.Errorf("解析客戶端訊息失敗: %w", err)
		return in
	}
	if msg.Key == nil {
		return in
	}

	key := MoveKey(*msg.Key)
	if !key.Valid() {
		in.Err = fmt.Errorf("未知的按鍵: %q", *msg.Key)
		return in
	}

	in.Kind = InboundMove
	in.Key = key
	return in
}

// ControlMessage 控制訊息（等待、倒數、房間已滿）
type ControlMessage struct {
	Message string       `json:"message"`
	Players []PlayerData `json:"players,omitempty"`
	Play    *bool        `json:"play,omitempty"`
}

// Snapshot 每個 tick 廣播的遊戲狀態
type Snapshot struct {
	Ball    BallData     `json:"ball"`
	Players []PlayerData `json:"players"`
	Play    bool         `json:"play"`
}

// BallData 廣播用的球座標
type BallData struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func controlJSON(text string) []byte {
	return mustJSON(ControlMessage{Message: text})
}

func countdownJSON(n int) []byte {
	return controlJSON(fmt.Sprintf(msgCountdown, n))
}

// waitingJSON 玩家離開後的狀態，players 為空時仍輸出空陣列
func waitingJSON(players []PlayerData, playing bool) []byte {
	if players == nil {
		players = []PlayerData{}
	}
	return mustJSON(struct {
		Message string       `json:"message"`
		Players []PlayerData `json:"players"`
		Play    bool         `json:"play"`
	}{MsgWaiting, players, playing})
}

// mustJSON 序列化固定結構，這些型別不會失敗
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("序列化訊息失敗: %v", err))
	}
	return data
}
