package internal_test

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/pong-server/internal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時減少日誌噪音
	}))
}

// fastGameConfig 縮短所有計時的遊戲配置，種子固定、不加偏轉
func fastGameConfig() internal.GameConfig {
	cfg := internal.DefaultGameConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.CountdownStep = 10 * time.Millisecond
	cfg.PointPause = 15 * time.Millisecond
	cfg.Jitter = 0
	cfg.Seed = 1
	return cfg
}

// recorder 記錄所有發布訊息的 Broadcaster
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Subscribe(string, internal.Subscriber) error { return nil }
func (r *recorder) Unsubscribe(string, string) {}
func (r *recorder) Subscribers(string) int { return 0 }
func (r *recorder) Close() error { return nil }

func (r *recorder) Publish(ctx context.Context, roomID string, data []byte) error {
	return r.Relay(ctx, roomID, "", data)
}

func (r *recorder) Relay(_ context.Context, _, _ string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(data))
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

// controls 只取出控制訊息（不含 tick 快照）
func (r *recorder) controls() []string {
	var out []string
	for _, m := range r.messages() {
		if strings.HasPrefix(m, `{"message"`) {
			out = append(out, m)
		}
	}
	return out
}

// mockSubscriber 記錄收到訊息的訂閱者
type mockSubscriber struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs []string
}

func newMockSubscriber(id string) *mockSubscriber {
	return &mockSubscriber{id: id}
}

func (s *mockSubscriber) ID() string { return s.id }

func (s *mockSubscriber) Send(data []byte) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, string(data))
	return nil
}

func (s *mockSubscriber) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func (s *mockSubscriber) received(msg string) bool {
	for _, m := range s.messages() {
		if m == msg {
			return true
		}
	}
	return false
}

func (s *mockSubscriber) count(msg string) int {
	n := 0
	for _, m := range s.messages() {
		if m == msg {
			n++
		}
	}
	return n
}

// claimTable 多個節點共用的租約表
type claimTable struct {
	mu       sync.Mutex
	owners   map[string]string // key → 節點
	renewals map[string]int
}

func newClaimTable() *claimTable {
	return &claimTable{
		owners:   make(map[string]string),
		renewals: make(map[string]int),
	}
}

func (c *claimTable) Acquire(_ context.Context, key, owner string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.owners[key]; ok && cur != owner {
		return false, nil
	}
	c.owners[key] = owner
	return true, nil
}

func (c *claimTable) Renew(ctx context.Context, key, owner string) (bool, error) {
	c.mu.Lock()
	c.renewals[key]++
	c.mu.Unlock()
	return c.Acquire(ctx, key, owner)
}

func (c *claimTable) Release(_ context.Context, key, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owners[key] == owner {
		delete(c.owners, key)
	}
	return nil
}

func (c *claimTable) Close() error { return nil }

// ownerOf 房間目前的擁有者，沒有人擁有時為空字串
func (c *claimTable) ownerOf(roomID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[base64.RawURLEncoding.EncodeToString([]byte(roomID))]
}

// steal 模擬租約過期後被其他節點取得
func (c *claimTable) steal(roomID, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[base64.RawURLEncoding.EncodeToString([]byte(roomID))] = owner
}

func (c *claimTable) renewCount(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renewals[base64.RawURLEncoding.EncodeToString([]byte(roomID))]
}

func newNodeClaims(t *testing.T, table *claimTable, node string) *internal.Claims {
	t.Helper()
	claims := internal.NewClaims(table, node, time.Minute, testLogger())
	t.Cleanup(func() { _ = claims.Close() })
	return claims
}
