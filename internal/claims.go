package internal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRoomOwnedElsewhere 房間已由其他節點擁有
var ErrRoomOwnedElsewhere = errors.New("房間由其他節點負責")

// 系統設計問題：
//   多個節點共用同一個代理時，如何保證同一個房間只有一份模擬？
//
// 核心挑戰：
//   1. 每個節點各有自己的 Manager，註冊表鎖只在單一進程內有效
//   2. 代理 subject 以房間名稱共用，兩份模擬的快照會混在同一個頻道
//   3. 節點當機時擁有權必須能被其他節點接手
//
// 設計方案：
//   ✅ 擁有權租約 - 第一個建立房間的節點取得 key，其他節點拒絕加入
//   ✅ TTL + 定期續約 - 節點消失後租約自動過期
//   ✅ 只刪自己的 key - 釋放與續約都先比對擁有者

// ClaimStore 擁有權租約的儲存後端（Redis、NATS KV）
//
// 所有操作都以 owner 比對，不會動到其他節點的 key。
type ClaimStore interface {
	// Acquire 取得 key；已經是自己的也視為成功
	Acquire(ctx context.Context, key, owner string) (bool, error)
	// Renew 延長租約；key 已過期時重新取得，被別人拿走時回傳 false
	Renew(ctx context.Context, key, owner string) (bool, error)
	// Release 釋放自己的 key
	Release(ctx context.Context, key, owner string) error
	Close() error
}

// RoomClaims Manager 使用的擁有權介面
type RoomClaims interface {
	Claim(ctx context.Context, roomID string) (bool, error)
	Release(ctx context.Context, roomID string) error
}

// Claims 本節點持有的房間租約
//
// Manager 在註冊表鎖內呼叫 Claim/Release，同一房間的兩個操作不會交錯。
// 背景 goroutine 每 TTL/3 續約一次所有持有的房間。
type Claims struct {
	store  ClaimStore
	node   string
	ttl    time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClaims 創建租約管理並啟動續約迴圈
func NewClaims(store ClaimStore, node string, ttl time.Duration, logger *slog.Logger) *Claims {
	c := &Claims{
		store:  store,
		node:   node,
		ttl:    ttl,
		logger: logger.With("node", node),
		held:   make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.renewLoop()

	return c
}

// Node 本節點 ID
func (c *Claims) Node() string {
	return c.node
}

// Claim 取得房間擁有權；房間屬於其他節點時回傳 false
func (c *Claims) Claim(ctx context.Context, roomID string) (bool, error) {
	ok, err := c.store.Acquire(ctx, claimKey(roomID), c.node)
	if err != nil {
		return false, fmt.Errorf("取得房間租約: %w", err)
	}
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	c.held[roomID] = struct{}{}
	c.mu.Unlock()
	return true, nil
}

// Release 釋放房間擁有權
func (c *Claims) Release(ctx context.Context, roomID string) error {
	c.mu.Lock()
	delete(c.held, roomID)
	c.mu.Unlock()

	if err := c.store.Release(ctx, claimKey(roomID), c.node); err != nil {
		return fmt.Errorf("釋放房間租約: %w", err)
	}
	return nil
}

func (c *Claims) renewLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.renewAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Claims) renewAll() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.held))
	for roomID := range c.held {
		rooms = append(rooms, roomID)
	}
	c.mu.Unlock()

	for _, roomID := range rooms {
		ctx, cancel := context.WithTimeout(context.Background(), c.ttl/3)
		ok, err := c.store.Renew(ctx, claimKey(roomID), c.node)
		cancel()

		if err != nil {
			c.logger.Warn("房間租約續約失敗", "room_id", roomID, "error", err)
			continue
		}
		if !ok {
			// 租約過期後被其他節點取得，兩邊各有一份模擬
			c.logger.Error("房間租約已被其他節點取得", "room_id", roomID)
			c.mu.Lock()
			delete(c.held, roomID)
			c.mu.Unlock()
		}
	}
}

// Close 停止續約並關閉儲存後端；持有的租約由 Manager.Stop 先行釋放
func (c *Claims) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	return c.store.Close()
}

func claimKey(roomID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

// NewClaimsFromConfig 依廣播後端建立房間租約；memory 後端只有一個節點，回傳 nil
func NewClaimsFromConfig(ctx context.Context, cfg BroadcastConfig, logger *slog.Logger) (*Claims, error) {
	var (
		store ClaimStore
		err   error
	)

	switch cfg.Driver {
	case DriverMemory, "":
		return nil, nil

	case DriverNATS:
		bucket := strings.ReplaceAll(cfg.SubjectPrefix, ".", "_") + "_owners"
		store, err = NewNATSClaimStore(cfg.NATS.URL, bucket, cfg.ClaimTTL, logger)

	case DriverRedis:
		store, err = NewRedisClaimStore(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.SubjectPrefix+".owner", cfg.ClaimTTL)

	default:
		return nil, fmt.Errorf("未知的廣播後端: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return NewClaims(store, uuid.NewString(), cfg.ClaimTTL, logger), nil
}
