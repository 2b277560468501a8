package internal

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個服務的配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Game      GameConfig      `yaml:"game"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DefaultRoom     string        `yaml:"default_room"`
}

// WebSocketConfig 連線配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	SendBuffer      int           `yaml:"send_buffer"`      // 每個連線的發送佇列長度
	MaxMessageSize  int64         `yaml:"max_message_size"` // 單一訊息上限（bytes）
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // 空值表示不檢查
}

// GameConfig 遊戲節奏與規則
type GameConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`  // 物理模擬間隔（40ms = 25Hz）
	CountdownStep time.Duration `yaml:"countdown_step"` // 倒數每一步的間隔
	CountdownFrom int           `yaml:"countdown_from"` // 從幾開始倒數
	PauseArmAt    int           `yaml:"pause_arm_at"`   // 倒數到這個數字時啟動暫停
	PointPause    time.Duration `yaml:"point_pause"`    // 得分後暫停多久
	WinScore      int           `yaml:"win_score"`
	PaddleSpeed   int           `yaml:"paddle_speed"`
	MaxBallSpeed  int           `yaml:"max_ball_speed"`
	Jitter        int           `yaml:"jitter"` // 擊球偏轉的隨機範圍（±度）
	Seed          int64         `yaml:"seed"`   // 0 表示以時間為種子
}

// BroadcastConfig 廣播後端
type BroadcastConfig struct {
	Driver        string `yaml:"driver"` // memory / nats / redis
	SubjectPrefix string `yaml:"subject_prefix"`

	// ClaimTTL 房間擁有權租約長度（nats / redis），每 TTL/3 續約一次
	ClaimTTL time.Duration `yaml:"claim_ttl"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// 有設定 File 時額外寫入可輪替的日誌檔
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// 廣播後端
const (
	DriverMemory = "memory"
	DriverNATS   = "nats"
	DriverRedis  = "redis"
)

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            3577,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			DefaultRoom:     "default",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendBuffer:      256,
			MaxMessageSize:  4096,
			PingInterval:    54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
		},
		Game: DefaultGameConfig(),
		Broadcast: BroadcastConfig{
			Driver:        DriverMemory,
			SubjectPrefix: "pong.room",
			ClaimTTL:      15 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
	cfg.Broadcast.NATS.URL = "nats://localhost:4222"
	cfg.Broadcast.Redis.Addr = "localhost:6379"
	return cfg
}

// DefaultGameConfig 遊戲的預設節奏
//
// 倒數 3、2、1 每秒一步，倒數到 2 時啟動 2 秒暫停，兩者在第 4 秒同時結束。
func DefaultGameConfig() GameConfig {
	return GameConfig{
		TickInterval:  40 * time.Millisecond,
		CountdownStep: time.Second,
		CountdownFrom: 3,
		PauseArmAt:    2,
		PointPause:    2 * time.Second,
		WinScore:      11,
		PaddleSpeed:   DefaultPaddleSpeed,
		MaxBallSpeed:  30,
		Jitter:        10,
	}
}

// LoadConfig 讀取 YAML 配置檔，未設定的欄位沿用預設值
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	// #nosec G304 - path 來自啟動參數
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 檢查配置是否合理
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 超出範圍: %d", c.Server.Port))
	}
	if c.Server.DefaultRoom == "" {
		errs = append(errs, errors.New("server.default_room 不能為空"))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer 必須大於 0"))
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("websocket.ping_interval 必須小於 pong_wait"))
	}

	if err := c.Game.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Broadcast.Driver {
	case DriverMemory:
	case DriverNATS, DriverRedis:
		if c.Broadcast.ClaimTTL < time.Second {
			errs = append(errs, fmt.Errorf("broadcast.claim_ttl 至少 1s: %v", c.Broadcast.ClaimTTL))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的廣播後端: %q", c.Broadcast.Driver))
	}

	return errors.Join(errs...)
}

// Validate 檢查遊戲配置
func (g GameConfig) Validate() error {
	var errs []error

	if g.TickInterval <= 0 {
		errs = append(errs, errors.New("game.tick_interval 必須大於 0"))
	}
	if g.CountdownStep <= 0 {
		errs = append(errs, errors.New("game.countdown_step 必須大於 0"))
	}
	if g.CountdownFrom < 1 {
		errs = append(errs, errors.New("game.countdown_from 至少為 1"))
	}
	if g.PauseArmAt < 0 || g.PauseArmAt > g.CountdownFrom {
		errs = append(errs, fmt.Errorf("game.pause_arm_at 必須在 0-%d 之間", g.CountdownFrom))
	}
	if g.PointPause <= 0 {
		errs = append(errs, errors.New("game.point_pause 必須大於 0"))
	}
	if g.WinScore < 1 {
		errs = append(errs, errors.New("game.win_score 至少為 1"))
	}
	if g.PaddleSpeed < 1 {
		errs = append(errs, errors.New("game.paddle_speed 至少為 1"))
	}
	if g.MaxBallSpeed != 0 && g.MaxBallSpeed < BallMinSpeed {
		errs = append(errs, fmt.Errorf("game.max_ball_speed 不能小於 %d", BallMinSpeed))
	}
	if g.Jitter < 0 || g.Jitter >= PaddleShift {
		errs = append(errs, fmt.Errorf("game.jitter 必須在 0-%d 之間", PaddleShift-1))
	}

	return errors.Join(errs...)
}
