package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoPolymarket/apigate/internal/config"
	"github.com/GoPolymarket/apigate/internal/middleware"
	"github.com/GoPolymarket/apigate/internal/model"
	"github.com/GoPolymarket/apigate/internal/provider"
	"github.com/GoPolymarket/apigate/internal/repository"
	"github.com/GoPolymarket/apigate/internal/service"
	"github.com/gin-gonic/gin"
)

type fakeUpstream struct {
	status int
	body   string
}

func newTestRouter(t *testing.T, up *fakeUpstream) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(up.status)
		_, _ = io.WriteString(w, up.body)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Upstream.BaseURL = srv.URL

	name := strings.NewReplacer("/", "_").Replace(t.Name())
	db, err := repository.NewDB(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := repository.NewGormAuditStore(db, cfg.Audit)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	client, err := provider.NewClient(cfg.Upstream)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	auditSvc := service.NewAuditService(store, cfg.Domain, cfg.Audit.Redaction)
	widgetSvc := service.NewWidgetService(client, auditSvc, cfg.Domain.APIName)

	return NewRouter(RouterOptions{
		Widgets: NewWidgetHandler(widgetSvc),
		Audits:  NewAuditHandler(auditSvc),
	})
}

func do(r *gin.Engine, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

type recentResponse struct {
	Records []model.AuditRecord `json:"records"`
	Count   int                 `json:"count"`
}

func TestCreateWidgetIsAuditedAndReadable(t *testing.T) {
	up := &fakeUpstream{status: http.StatusCreated, body: `{"id":"w-1","name":"gizmo","secret":"s3"}`}
	r := newTestRouter(t, up)

	rec := do(r, http.MethodPost, "/v1/widgets", `{"name":"gizmo","description":"d"}`, map[string]string{
		middleware.HeaderCorrelationID: "corr-http",
		middleware.HeaderCallerSystem:  "billing",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created service.WidgetResult
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "w-1" || created.CorrelationID != "corr-http" {
		t.Fatalf("unexpected result: %+v", created)
	}

	rec = do(r, http.MethodGet, "/v1/audit/Sample/recent?limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var recent recentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if recent.Count != 1 {
		t.Fatalf("expected 1 record, got %d", recent.Count)
	}
	got := recent.Records[0]
	if got.CorrelationID != "corr-http" || got.CallerSystem != "billing" || got.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected audit record: %+v", got)
	}
	if strings.Contains(got.ResponsePayload, "s3") {
		t.Fatalf("secret leaked into audit payload: %s", got.ResponsePayload)
	}
}

func TestUpstreamFailureMapsTo502AndIsAudited(t *testing.T) {
	up := &fakeUpstream{status: http.StatusInternalServerError, body: `{"error":"boom"}`}
	r := newTestRouter(t, up)

	rec := do(r, http.MethodGet, "/v1/ping", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "UPSTREAM_ERROR") {
		t.Fatalf("expected UPSTREAM_ERROR body, got %s", rec.Body.String())
	}

	rec = do(r, http.MethodGet, "/v1/audit/Sample/recent", "", nil)
	var recent recentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if recent.Count != 1 || recent.Records[0].ErrorCode != "500" {
		t.Fatalf("expected one failed audit record, got %+v", recent.Records)
	}
}

func TestGetWidgetNotFound(t *testing.T) {
	up := &fakeUpstream{status: http.StatusNotFound, body: `{"error":"missing"}`}
	r := newTestRouter(t, up)

	rec := do(r, http.MethodGet, "/v1/widgets/w-404", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateWidgetRejectsBadPayload(t *testing.T) {
	r := newTestRouter(t, &fakeUpstream{status: http.StatusCreated, body: `{}`})

	rec := do(r, http.MethodPost, "/v1/widgets", `{"description":"no name"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRecentRejectsBadLimit(t *testing.T) {
	r := newTestRouter(t, &fakeUpstream{status: http.StatusOK, body: `{}`})

	for _, limit := range []string{"0", "-3", "abc", "5000"} {
		rec := do(r, http.MethodGet, "/v1/audit/Sample/recent?limit="+limit, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", limit, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "INVALID_REQUEST") {
			t.Fatalf("limit=%s: expected INVALID_REQUEST, got %s", limit, rec.Body.String())
		}
	}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, &fakeUpstream{status: http.StatusOK, body: `{}`})

	rec := do(r, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(middleware.HeaderCorrelationID) == "" {
		t.Fatalf("expected correlation header on every response")
	}
}

func TestCORSPreflightWhenConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterOptions{CORSAllowedOrigins: []string{"https://ops.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/ping", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}
}
