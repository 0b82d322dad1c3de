package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/apigate/internal/config"
	"github.com/GoPolymarket/apigate/internal/model"
	"github.com/GoPolymarket/apigate/internal/pkg/apperrors"
	"github.com/GoPolymarket/apigate/internal/pkg/correlation"
	"github.com/GoPolymarket/apigate/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	status   int
	body     string
	err      error
	lastCorr string
}

func (p *stubProvider) exchange(method, path, reqBody string) provider.Exchange {
	return provider.Exchange{
		Method:       method,
		Path:         path,
		StatusCode:   p.status,
		RequestBody:  reqBody,
		ResponseBody: p.body,
	}
}

func (p *stubProvider) Ping(ctx context.Context, corr string) (*provider.PingResponse, provider.Exchange, error) {
	p.lastCorr = corr
	ex := p.exchange(http.MethodGet, "/ping", "")
	if p.err != nil || !ex.Success() {
		return nil, ex, p.err
	}
	return &provider.PingResponse{Status: "ok"}, ex, nil
}

func (p *stubProvider) CreateWidget(ctx context.Context, req provider.CreateWidgetRequest, corr string) (*provider.Widget, provider.Exchange, error) {
	p.lastCorr = corr
	ex := p.exchange(http.MethodPost, "/widgets", `{"name":"`+req.Name+`","password":"hunter2"}`)
	if p.err != nil || !ex.Success() {
		return nil, ex, p.err
	}
	return &provider.Widget{ID: "w-1", Name: req.Name, Status: "active"}, ex, nil
}

func (p *stubProvider) GetWidget(ctx context.Context, id, corr string) (*provider.Widget, provider.Exchange, error) {
	p.lastCorr = corr
	ex := p.exchange(http.MethodGet, "/widgets/"+id, "")
	if p.err != nil || !ex.Success() {
		return nil, ex, p.err
	}
	return &provider.Widget{ID: id, Name: "w"}, ex, nil
}

type recordingRepo struct {
	mu      sync.Mutex
	saved   []model.AuditRecord
	saveErr error
}

func (r *recordingRepo) Save(ctx context.Context, record model.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.saveErr != nil {
		return r.saveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, record)
	return nil
}

func (r *recordingRepo) GetRecent(ctx context.Context, apiName string, limit int) ([]model.AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved, nil
}

func newWidgetService(p WidgetProvider, repo AuditRepo, mutate func(*config.DomainConfig)) *WidgetService {
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg.Domain)
	}
	svc := NewWidgetService(p, NewAuditService(repo, cfg.Domain, cfg.Audit.Redaction), cfg.Domain.APIName)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}
	return svc
}

func TestCreateWidgetAuditsSuccessfulCall(t *testing.T) {
	p := &stubProvider{status: http.StatusCreated, body: `{"id":"w-1","name":"gizmo","access_token":"abc"}`}
	repo := &recordingRepo{}
	svc := newWidgetService(p, repo, nil)

	ctx := correlation.WithID(context.Background(), "corr-42")
	result, err := svc.CreateWidget(ctx, CreateWidgetCommand{Name: "gizmo"})
	require.NoError(t, err)
	assert.Equal(t, "w-1", result.ID)
	assert.Equal(t, "corr-42", result.CorrelationID)
	assert.Equal(t, "corr-42", p.lastCorr)

	require.Len(t, repo.saved, 1)
	rec := repo.saved[0]
	assert.Equal(t, "Sample", rec.APIName)
	assert.Equal(t, OperationCreateWidget, rec.Operation)
	assert.Equal(t, http.MethodPost, rec.HTTPMethod)
	assert.Equal(t, "/widgets", rec.RequestPath)
	assert.Equal(t, "Audit", rec.CallerSystem)
	assert.Equal(t, "corr-42", rec.CorrelationID)
	assert.Equal(t, int64(250), rec.DurationMs)
	assert.Empty(t, rec.ErrorCode)
	assert.JSONEq(t, `{"name":"gizmo","password":"***REDACTED***"}`, rec.RequestPayload)
	assert.JSONEq(t, `{"id":"w-1","name":"gizmo","access_token":"***REDACTED***"}`, rec.ResponsePayload)
}

func TestCreateWidgetSurvivesAuditStoreFailure(t *testing.T) {
	p := &stubProvider{status: http.StatusCreated, body: `{"id":"w-1","name":"gizmo"}`}
	repo := &recordingRepo{saveErr: errors.New("connection refused")}
	svc := newWidgetService(p, repo, nil)

	result, err := svc.CreateWidget(context.Background(), CreateWidgetCommand{Name: "gizmo"})
	require.NoError(t, err)
	assert.Equal(t, "w-1", result.ID)
	assert.NotEmpty(t, result.CorrelationID)
}

func TestCreateWidgetCancelledSaveIsSwallowed(t *testing.T) {
	p := &stubProvider{status: http.StatusCreated, body: `{"id":"w-1","name":"gizmo"}`}
	repo := &recordingRepo{}
	svc := newWidgetService(p, repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := svc.CreateWidget(ctx, CreateWidgetCommand{Name: "gizmo"})
	require.NoError(t, err)
	assert.Equal(t, "w-1", result.ID)
	assert.Empty(t, repo.saved)
}

func TestCreateWidgetAuditsUpstreamRejection(t *testing.T) {
	p := &stubProvider{status: http.StatusBadRequest, body: `{"error":"bad name"}`}
	repo := &recordingRepo{}
	svc := newWidgetService(p, repo, func(d *config.DomainConfig) { d.TableMode = "split" })

	_, err := svc.CreateWidget(context.Background(), CreateWidgetCommand{Name: "gizmo", CallerSystem: "crm"})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrUpstream, appErr.Type)
	assert.Equal(t, http.StatusBadGateway, appErr.HTTPStatus)
	assert.Equal(t, http.StatusBadRequest, appErr.Details["provider_status_code"])

	require.Len(t, repo.saved, 1)
	rec := repo.saved[0]
	assert.Equal(t, "400", rec.ErrorCode)
	assert.Equal(t, "Provider returned an error.", rec.ErrorMessage)
	assert.Equal(t, "crm", rec.CallerSystem)
	assert.Equal(t, "Split", rec.Direction)
}

func TestCreateWidgetTransportErrorIsNotAudited(t *testing.T) {
	p := &stubProvider{err: errors.New("dial tcp: refused")}
	repo := &recordingRepo{}
	svc := newWidgetService(p, repo, nil)

	_, err := svc.CreateWidget(context.Background(), CreateWidgetCommand{Name: "gizmo"})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrUnavailable, appErr.Type)
	assert.Empty(t, repo.saved)
}

func TestCreateWidgetValidatesInput(t *testing.T) {
	p := &stubProvider{status: http.StatusCreated}
	repo := &recordingRepo{}
	svc := newWidgetService(p, repo, nil)

	_, err := svc.CreateWidget(context.Background(), CreateWidgetCommand{Name: "  "})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrInvalidRequest, appErr.Type)
	assert.Empty(t, repo.saved)
}

func TestAuditingDisabledSkipsStore(t *testing.T) {
	p := &stubProvider{status: http.StatusOK, body: `{"status":"ok"}`}
	repo := &recordingRepo{}
	svc := newWidgetService(p, repo, func(d *config.DomainConfig) { d.EnableAuditing = false })

	result, err := svc.Ping(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Empty(t, repo.saved)
}

func TestGetWidgetNotFoundIsAudited(t *testing.T) {
	p := &stubProvider{status: http.StatusNotFound, body: `{"error":"missing"}`}
	repo := &recordingRepo{}
	svc := newWidgetService(p, repo, nil)

	_, err := svc.GetWidget(context.Background(), "w-9", "")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrNotFound, appErr.Type)

	require.Len(t, repo.saved, 1)
	assert.Equal(t, "/widgets/w-9", repo.saved[0].RequestPath)
	assert.Equal(t, "404", repo.saved[0].ErrorCode)
}

func TestGetWidgetRejectsOversizedID(t *testing.T) {
	p := &stubProvider{status: http.StatusOK}
	repo := &recordingRepo{}
	svc := newWidgetService(p, repo, nil)

	_, err := svc.GetWidget(context.Background(), strings.Repeat("w", MaxWidgetIDLen+1), "")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrInvalidRequest, appErr.Type)
	assert.Empty(t, p.lastCorr, "provider must not be called")
	assert.Empty(t, repo.saved)

	_, err = svc.GetWidget(context.Background(), strings.Repeat("w", MaxWidgetIDLen), "")
	require.NoError(t, err)
	require.Len(t, repo.saved, 1)
	assert.LessOrEqual(t, len(repo.saved[0].RequestPath), model.MaxRequestPathLen)
}

func TestDefaultClockKeepsMonotonicReading(t *testing.T) {
	svc := NewWidgetService(&stubProvider{}, nil, "Sample")
	// time.Time.String appends "m=" only when a monotonic reading is present
	if !strings.Contains(svc.now().String(), "m=") {
		t.Fatalf("default clock dropped the monotonic reading: %s", svc.now())
	}
}
