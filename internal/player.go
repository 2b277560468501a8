package internal

// MoveKey 玩家輸入的按鍵（前端 KeyboardEvent.code）
type MoveKey string

const (
	KeyUp   MoveKey = "ArrowUp"   // y 遞增
	KeyDown MoveKey = "ArrowDown" // y 遞減
)

// DefaultPaddleSpeed 每次輸入拍子移動的距離
const DefaultPaddleSpeed = 10

// Valid 是否為可辨識的移動按鍵
func (k MoveKey) Valid() bool {
	return k == KeyUp || k == KeyDown
}

func (k MoveKey) direction() int {
	switch k {
	case KeyUp:
		return 1
	case KeyDown:
		return -1
	default:
		return 0
	}
}

// Player 玩家（一個 session 對應一支拍子）
type Player struct {
	SessionID string
	RacketY   int
	Score     int
	Speed     int

	moving bool // 上一個 tick 之後是否有移動
}

// PlayerData 廣播給前端的玩家資料
type PlayerData struct {
	SessionID string `json:"sessionId"`
	RacketY   int    `json:"racketY"`
	Score     int    `json:"score"`
}

// NewPlayer 建立在預設位置的玩家
func NewPlayer(sessionID string) *Player {
	return &Player{
		SessionID: sessionID,
		RacketY:   PaddleStartY,
		Speed:     DefaultPaddleSpeed,
	}
}

// Move 移動拍子，只在遊戲進行中有效
//
// 回傳拍子是否真的移動了。
func (p *Player) Move(key MoveKey, playing bool) bool {
	if !playing {
		return false
	}
	dir := key.direction()
	if dir == 0 {
		return false
	}

	y := clamp(p.RacketY+dir*p.Speed, PaddleMinY, PaddleMaxY)
	if y == p.RacketY {
		return false
	}
	p.RacketY = y
	p.moving = true
	return true
}

// Moving 自上一個 tick 以來拍子是否移動過
func (p *Player) Moving() bool {
	return p.moving
}

// settle 每個 tick 結束時清除移動旗標
func (p *Player) settle() {
	p.moving = false
}

// AddPoint 得一分
func (p *Player) AddPoint() {
	p.Score++
}

// IsWinner 分數是否達到勝利門檻
func (p *Player) IsWinner(winScore int) bool {
	return p.Score == winScore
}

// Reset 重置拍子位置、分數與速度
func (p *Player) Reset(racketY, score, speed int) {
	p.RacketY = racketY
	p.Score = score
	p.Speed = speed
	p.moving = false
}

// CoordsRange 拍子佔據的垂直範圍 [y, y+高度]
func (p *Player) CoordsRange() [2]int {
	return [2]int{p.RacketY, p.RacketY + PaddleHeight}
}

// Data 轉成廣播用的資料
func (p *Player) Data() PlayerData {
	return PlayerData{
		SessionID: p.SessionID,
		RacketY:   p.RacketY,
		Score:     p.Score,
	}
}
