package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoPolymarket/apigate/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

func newIdempotentRouter(store IdempotencyStore, calls *int, fail *bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware(), ErrorHandler())
	r.POST("/widgets", IdempotencyMiddleware(store), func(c *gin.Context) {
		*calls++
		if *fail {
			c.Error(apperrors.New(apperrors.ErrUnavailable, "upstream down", nil))
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": "w-1"})
	})
	return r
}

func postWithKey(r *gin.Engine, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/widgets", nil)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestIdempotentReplayReturnsCachedResponse(t *testing.T) {
	calls := 0
	fail := false
	r := newIdempotentRouter(NewInMemIdempotencyStore(time.Hour), &calls, &fail)

	first := postWithKey(r, "k-1")
	second := postWithKey(r, "k-1")

	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("expected replay header")
	}
}

func TestIdempotencyFailureIsRetryable(t *testing.T) {
	calls := 0
	fail := true
	r := newIdempotentRouter(NewInMemIdempotencyStore(time.Hour), &calls, &fail)

	if rec := postWithKey(r, "k-2"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	fail = false
	if rec := postWithKey(r, "k-2"); rec.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed, got %d", rec.Code)
	}
	if calls != 2 {
		t.Fatalf("expected two handler runs, got %d", calls)
	}
}

func TestIdempotencyWithoutKeyAlwaysRuns(t *testing.T) {
	calls := 0
	fail := false
	r := newIdempotentRouter(NewInMemIdempotencyStore(time.Hour), &calls, &fail)

	postWithKey(r, "")
	postWithKey(r, "")
	if calls != 2 {
		t.Fatalf("expected two handler runs, got %d", calls)
	}
}

func TestInMemStoreInFlightAndExpiry(t *testing.T) {
	store := NewInMemIdempotencyStore(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if _, hit, _ := store.GetOrLock(ctx, "k"); hit {
		t.Fatalf("first call must acquire the lock")
	}
	rec, hit, _ := store.GetOrLock(ctx, "k")
	if !hit || !rec.Processing {
		t.Fatalf("second call must see the in-flight record")
	}

	now = now.Add(2 * time.Minute)
	if _, hit, _ := store.GetOrLock(ctx, "k"); hit {
		t.Fatalf("expired record must be re-locked")
	}
}
