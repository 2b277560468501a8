package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport 以 Redis PUBLISH/SUBSCRIBE 作為廣播代理
type RedisTransport struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisTransport 連接 Redis 並確認可用
func NewRedisTransport(ctx context.Context, opts *redis.Options, logger *slog.Logger) (*RedisTransport, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("連接 Redis 失敗: %w", err)
	}
	return &RedisTransport{client: client, logger: logger}, nil
}

// Publish 發布到頻道
func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	return t.client.Publish(ctx, channel, data).Err()
}

// Subscribe 訂閱頻道，等待 Redis 確認後才回傳
func (t *RedisTransport) Subscribe(channel string, handler func(data []byte)) (BrokerSubscription, error) {
	ctx := context.Background()

	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	return redisSubscription{ps: ps}, nil
}

// Close 關閉 Redis 連線
func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

// Unsubscribe 關閉 PubSub，Channel() 會隨之關閉
func (s redisSubscription) Unsubscribe() error {
	return s.ps.Close()
}

// 只有擁有者能續約或刪除
var (
	renewClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisClaimStore 以 SET NX PX 實作房間租約
//
// key 為 <prefix>.<房間>，值為擁有者節點 ID。
type RedisClaimStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClaimStore 連接 Redis 並確認可用
func NewRedisClaimStore(ctx context.Context, opts *redis.Options, prefix string, ttl time.Duration) (*RedisClaimStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("連接 Redis 失敗: %w", err)
	}
	return &RedisClaimStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisClaimStore) key(k string) string {
	return s.prefix + "." + k
}

// Acquire 取得租約；已是自己的則順便續約
func (s *RedisClaimStore) Acquire(ctx context.Context, key, owner string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), owner, s.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return s.extend(ctx, key, owner)
}

// Renew 延長租約，key 已過期時重新取得
func (s *RedisClaimStore) Renew(ctx context.Context, key, owner string) (bool, error) {
	ok, err := s.extend(ctx, key, owner)
	if err != nil || ok {
		return ok, err
	}
	return s.client.SetNX(ctx, s.key(key), owner, s.ttl).Result()
}

func (s *RedisClaimStore) extend(ctx context.Context, key, owner string) (bool, error) {
	n, err := renewClaimScript.Run(ctx, s.client, []string{s.key(key)}, owner, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release 刪除自己的租約
func (s *RedisClaimStore) Release(ctx context.Context, key, owner string) error {
	return releaseClaimScript.Run(ctx, s.client, []string{s.key(key)}, owner).Err()
}

// Close 關閉 Redis 連線
func (s *RedisClaimStore) Close() error {
	return s.client.Close()
}
