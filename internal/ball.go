package internal

import (
	"math"
)

// 球場幾何
//
// 座標系：x 向右遞增、y 向下遞增（與前端 canvas 一致）
//
//	(0,0) ┌──────────────────────────────┐ (790,0)
//	      │ ▌                          ▐ │
//	      │ ▌ 左拍 x=50        右拍 x=740 ▐ │
//	      │              ●               │
//	(0,490)└──────────────────────────────┘ (790,490)
//
// 角度（heading）：位移 = (round(sin h · speed), round(cos h · speed))
//   - 90°  → 向右
//   - 270° → 向左
//   - 0°   → y 遞增
//   - 180° → y 遞減
const (
	CourtMinX = 0
	CourtMaxX = 790
	CourtMinY = 0
	CourtMaxY = 490

	LeftPaddleX  = 50
	RightPaddleX = 740

	PaddleHeight = 100
	PaddleMinY   = 0
	PaddleMaxY   = 400
	PaddleStartY = 200

	BallSize     = 10
	BallMinSpeed = 5

	// StickTolerance 球在拍面 ±10 內且朝拍子移動時，吸附到拍面
	StickTolerance = 10

	// SpeedFactor 擊球時的速度倍率
	SpeedFactor = 1.2

	// PaddleShift 擊中拍子上下三分之一時的偏轉角度
	PaddleShift = 45
)

// 發球與重置位置
var (
	ServeX       = LeftPaddleX
	ServeY       = 240
	ServeHeading = 270
	ServeSpeed   = BallMinSpeed

	CenterX = int(math.Round(CourtMaxX / 2.0))
	CenterY = int(math.Round(CourtMaxY / 2.0))
)

// 碰撞判定順序（以位移前的位置判斷）：
//
//  1. 角落：角度固定為對角線
//  2. 上下牆：鏡射角度
//  3. 拍子：依擊中的三分之一偏轉 ±45°，拍子移動中加速
//  4. 左右出界：對手得分
//
// 判定完成後才以新的角度與速度位移，位移後夾回球場並吸附拍面。

// Outcome 碰撞判定結果
type Outcome int

const (
	OutcomeNone       Outcome = iota
	OutcomeCorner             // 撞到角落
	OutcomeWall               // 撞到上下邊界
	OutcomeLeftHit            // 左拍擊球
	OutcomeRightHit           // 右拍擊球
	OutcomeRightScore         // 球出左界，右方得分
	OutcomeLeftScore          // 球出右界，左方得分
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCorner:
		return "corner"
	case OutcomeWall:
		return "wall"
	case OutcomeLeftHit:
		return "left_hit"
	case OutcomeRightHit:
		return "right_hit"
	case OutcomeRightScore:
		return "right_score"
	case OutcomeLeftScore:
		return "left_score"
	default:
		return "none"
	}
}

// Scored 是否有人得分
func (o Outcome) Scored() bool {
	return o == OutcomeLeftScore || o == OutcomeRightScore
}

// Jitter 擊球偏轉角度的隨機來源
//
// Intn 回傳 [0, n) 的整數，由房間以固定種子建立，測試可重現。
type Jitter interface {
	Intn(n int) int
}

// Ball 球的狀態
type Ball struct {
	X       int `json:"x"`
	Y       int `json:"y"`
	Heading int `json:"-"` // 角度，[0, 360)
	Speed   int `json:"-"` // 每個 tick 的位移量
}

// NewBall 建立一顆在發球位置的球
func NewBall() Ball {
	return Ball{X: ServeX, Y: ServeY, Heading: ServeHeading, Speed: ServeSpeed}
}

// Set 設定位置、角度與速度
func (b *Ball) Set(x, y, heading, speed int) {
	b.X = x
	b.Y = y
	b.Heading = normalizeHeading(heading)
	b.Speed = speed
}

// Serve 回到發球位置
func (b *Ball) Serve() {
	b.Set(ServeX, ServeY, ServeHeading, ServeSpeed)
}

// Recenter 得分後把球放回場地中央
//
// 右方得分（球出左界）後球往左發，左方得分後往右發。
func (b *Ball) Recenter(scored Outcome) {
	heading := 270
	if scored == OutcomeLeftScore {
		heading = 90
	}
	b.Set(CenterX, CenterY, heading, BallMinSpeed)
}

// Delta 依目前角度與速度計算單一 tick 的位移
//
// 弧度先四捨五入到小數點後 5 位再求三角函數，確保不同平台結果一致。
func (b *Ball) Delta() (dx, dy int) {
	rad := float64(b.Heading) * math.Pi / 180
	rad = math.Round(rad*1e5) / 1e5
	dx = int(math.Round(math.Sin(rad) * float64(b.Speed)))
	dy = int(math.Round(math.Cos(rad) * float64(b.Speed)))
	return dx, dy
}

// Collide 以移動前的位置判定碰撞
//
// 判定順序：
//  1. 角落：角度設為對應的對角線（45/135/225/315）
//  2. 上下邊界：角度鏡射
//  3. 拍子：角度反射並依擊中位置偏轉，速度依拍子是否移動調整
//  4. 出左界：右方得分
//  5. 出右界：左方得分
//
// 得分的後續處理（重置、暫停、重新開局）由房間負責。
// left 或 right 為 nil 時只處理邊界碰撞。
func (b *Ball) Collide(left, right *Player, jitter Jitter, jitterRange, maxSpeed int) Outcome {
	x, y := b.X, b.Y

	switch {
	case x == CourtMinX && y == CourtMinY:
		b.Heading = 45
		return OutcomeCorner
	case x == CourtMinX && y == CourtMaxY:
		b.Heading = 135
		return OutcomeCorner
	case x == CourtMaxX && y == CourtMaxY:
		b.Heading = 225
		return OutcomeCorner
	case x == CourtMaxX && y == CourtMinY:
		b.Heading = 315
		return OutcomeCorner
	}

	if y == CourtMinY || y == CourtMaxY {
		b.Heading = mirrorHeading(b.Heading)
		return OutcomeWall
	}

	if left == nil || right == nil {
		return OutcomeNone
	}

	if b.hitsLeft(left) {
		shift := paddleShift(y, left.CoordsRange(), jitter, jitterRange)
		b.Set(LeftPaddleX, y, 360-b.Heading+shift, nextSpeed(b.Speed, left.Moving(), maxSpeed))
		return OutcomeLeftHit
	}

	if b.hitsRight(right) {
		shift := -paddleShift(y, right.CoordsRange(), jitter, jitterRange)
		b.Set(RightPaddleX, y, 360-b.Heading+shift, nextSpeed(b.Speed, right.Moving(), maxSpeed))
		return OutcomeRightHit
	}

	switch x {
	case CourtMinX:
		return OutcomeRightScore
	case CourtMaxX:
		return OutcomeLeftScore
	}

	return OutcomeNone
}

// Move 套用位移並限制在球場內，最後處理吸附
func (b *Ball) Move(left, right *Player) {
	dx, dy := b.Delta()
	x := clamp(b.X+dx, CourtMinX, CourtMaxX)
	y := clamp(b.Y+dy, CourtMinY, CourtMaxY)

	if left != nil && right != nil {
		x = b.stick(x, y, left, right)
	}

	b.X = x
	b.Y = y
}

// stick 球進入拍面容忍範圍時吸附到拍面，下一個 tick 才會判定擊球
func (b *Ball) stick(x, y int, left, right *Player) int {
	h := b.Heading
	if movingLeft(h) && within(x, LeftPaddleX-StickTolerance, LeftPaddleX+StickTolerance) && inExtent(y, left.CoordsRange()) {
		return LeftPaddleX
	}
	if movingRight(h) && within(x, RightPaddleX-StickTolerance, RightPaddleX+StickTolerance) && inExtent(y, right.CoordsRange()) {
		return RightPaddleX
	}
	return x
}

func (b *Ball) hitsLeft(p *Player) bool {
	return movingLeft(b.Heading) &&
		b.X <= LeftPaddleX && b.X > CourtMinX &&
		inExtent(b.Y, p.CoordsRange())
}

func (b *Ball) hitsRight(p *Player) bool {
	return movingRight(b.Heading) &&
		b.X >= RightPaddleX && b.X < CourtMaxX &&
		inExtent(b.Y, p.CoordsRange())
}

// paddleShift 以左拍為準計算偏轉量，右拍取負值
//
// 擊中上三分之一（y 較小）往正方向偏轉，下三分之一往負方向，中間不偏轉。
func paddleShift(y int, extent [2]int, jitter Jitter, jitterRange int) int {
	third := int(math.Round(float64(extent[1]-extent[0]) / 3))
	amount := PaddleShift
	if jitter != nil && jitterRange > 0 {
		amount += jitter.Intn(2*jitterRange+1) - jitterRange
	}

	switch {
	case y < extent[0]+third:
		return amount
	case y > extent[1]-third:
		return -amount
	default:
		return 0
	}
}

// nextSpeed 拍子移動中擊球加速，否則減速但不低於最低速度
func nextSpeed(speed int, moving bool, maxSpeed int) int {
	if moving {
		s := int(math.Round(float64(speed) * SpeedFactor))
		if maxSpeed > 0 && s > maxSpeed {
			s = maxSpeed
		}
		return s
	}
	return max(int(math.Round(float64(speed)/SpeedFactor)), BallMinSpeed)
}

func mirrorHeading(h int) int {
	if h <= 180 {
		return normalizeHeading(180 - h)
	}
	return normalizeHeading(540 - h)
}

func normalizeHeading(h int) int {
	h %= 360
	if h < 0 {
		h += 360
	}
	return h
}

func movingLeft(h int) bool  { return h > 180 && h < 360 }
func movingRight(h int) bool { return h > 0 && h < 180 }

// inExtent 球的上緣落在拍子範圍內（扣掉球的大小）
func inExtent(y int, extent [2]int) bool {
	return y >= extent[0] && y <= extent[1]-BallSize
}

func within(v, lo, hi int) bool {
	return v >= lo && v <= hi
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
