package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/GoPolymarket/apigate/internal/pkg/apperrors"
	"github.com/GoPolymarket/apigate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

const maxIdempotencyKeyLen = 128

type IdempotencyRecord struct {
	Status     int
	Body       []byte
	CreatedAt  time.Time
	Processing bool // 正在处理中，用于防止并发竞争
}

type IdempotencyStore interface {
	// GetOrLock returns (record, true) if the key exists; (nil, false) if newly locked by caller.
	GetOrLock(ctx context.Context, key string) (*IdempotencyRecord, bool, error)
	Save(ctx context.Context, key string, status int, body []byte) error
	Unlock(ctx context.Context, key string) error
}

// InMemIdempotencyStore 单实例部署使用，多副本请用 Redis
type InMemIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]*IdempotencyRecord
}

func NewInMemIdempotencyStore(ttl time.Duration) *InMemIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InMemIdempotencyStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]*IdempotencyRecord),
	}
}

// GetOrLock 如果不存在或已过期，则锁定并返回 (nil, false)。
func (s *InMemIdempotencyStore) GetOrLock(_ context.Context, key string) (*IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && now.Sub(rec.CreatedAt) < s.ttl {
		copied := *rec
		return &copied, true, nil
	}

	s.records[key] = &IdempotencyRecord{Processing: true, CreatedAt: now}
	return nil, false, nil
}

func (s *InMemIdempotencyStore) Save(_ context.Context, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &IdempotencyRecord{
		Status:    status,
		Body:      append([]byte(nil), body...),
		CreatedAt: s.now(),
	}
	return nil
}

func (s *InMemIdempotencyStore) Unlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// IdempotencyMiddleware 对带 X-Idempotency-Key 的写请求只调用一次上游，
// 重放请求直接返回缓存的响应（也就不会产生第二条审计记录）
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		idemKey := c.GetHeader(HeaderIdempotencyKey)
		if idemKey == "" {
			c.Next()
			return
		}
		if len(idemKey) > maxIdempotencyKeyLen {
			c.Error(apperrors.NewInvalidRequest("idempotency key is too long"))
			c.Abort()
			return
		}

		// 按调用方系统与路由隔离
		fullKey := CallerSystem(c) + ":" + c.Request.Method + ":" + c.FullPath() + ":" + idemKey
		ctx := c.Request.Context()

		record, hit, err := store.GetOrLock(ctx, fullKey)
		if err != nil {
			// 存储不可用时放行，不阻塞业务请求
			logger.Warn("Idempotency store unavailable", "error", err)
			c.Next()
			return
		}
		if hit {
			if record.Processing {
				c.JSON(http.StatusConflict, gin.H{"code": "REQUEST_IN_PROGRESS", "message": "request in progress"})
				c.Abort()
				return
			}
			c.Header("X-Idempotent-Replay", "true")
			c.Data(record.Status, "application/json; charset=utf-8", record.Body)
			c.Abort()
			return
		}

		w := &responseBodyWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// 错误响应由外层 ErrorHandler 渲染，此处拿不到响应体；
		// 出错时解锁以允许重试，只缓存成功结果
		if len(c.Errors) == 0 && c.Writer.Status() < 400 {
			err = store.Save(ctx, fullKey, c.Writer.Status(), w.body)
		} else {
			err = store.Unlock(ctx, fullKey)
		}
		if err != nil {
			logger.Warn("Failed to update idempotency record", "error", err)
		}
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}
