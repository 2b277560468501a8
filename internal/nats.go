package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTransport 以 NATS core pub/sub 作為廣播代理
//
// 房間快照是即時資料，不需要 JetStream 的持久化與 ACK。
type NATSTransport struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSTransport 連接 NATS Server
//
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func NewNATSTransport(url string, logger *slog.Logger) (*NATSTransport, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("pong-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	return &NATSTransport{conn: conn, logger: logger}, nil
}

// Publish 發布到 subject
func (t *NATSTransport) Publish(_ context.Context, subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

// Subscribe 訂閱 subject，handler 在 NATS 的分派 goroutine 依序執行
func (t *NATSTransport) Subscribe(subject string, handler func(data []byte)) (BrokerSubscription, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	// 確認伺服器已處理 SUB，之後其他節點的發布一定收得到
	if err := t.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

// Close 送出緩衝中的訊息後關閉連線
func (t *NATSTransport) Close() error {
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}

// NATSClaimStore 以 JetStream KV 實作房間租約
//
// bucket 的 TTL 就是租約長度；Create 只在 key 不存在時成功，
// 續約用 Update 帶上版本號，避免覆蓋其他節點剛寫入的值。
type NATSClaimStore struct {
	conn *nats.Conn
	kv   nats.KeyValue
}

// NewNATSClaimStore 連接 NATS 並取得（或建立）租約 bucket
func NewNATSClaimStore(url, bucket string, ttl time.Duration, logger *slog.Logger) (*NATSClaimStore, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("pong-server-claims"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 租約連線中斷", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("創建 JetStream 失敗: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			TTL:     ttl,
			Storage: nats.MemoryStorage, // 租約不需要落地
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("取得租約 bucket 失敗: %w", err)
	}

	return &NATSClaimStore{conn: conn, kv: kv}, nil
}

// Acquire 取得租約；已是自己的則順便續約
func (s *NATSClaimStore) Acquire(ctx context.Context, key, owner string) (bool, error) {
	_, err := s.kv.Create(key, []byte(owner))
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) {
		return false, err
	}
	return s.Renew(ctx, key, owner)
}

// Renew 延長租約，key 已過期時重新取得
func (s *NATSClaimStore) Renew(_ context.Context, key, owner string) (bool, error) {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		if _, err := s.kv.Create(key, []byte(owner)); err != nil {
			if errors.Is(err, nats.ErrKeyExists) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if string(entry.Value()) != owner {
		return false, nil
	}
	if _, err := s.kv.Update(key, []byte(owner), entry.Revision()); err != nil {
		return false, err
	}
	return true, nil
}

// Release 刪除自己的租約
func (s *NATSClaimStore) Release(_ context.Context, key, owner string) error {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(entry.Value()) != owner {
		return nil
	}
	return s.kv.Delete(key, nats.LastRevision(entry.Revision()))
}

// Close 關閉連線
func (s *NATSClaimStore) Close() error {
	s.conn.Close()
	return nil
}
