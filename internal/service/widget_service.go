package service

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/GoPolymarket/apigate/internal/audit"
	"github.com/GoPolymarket/apigate/internal/pkg/apperrors"
	"github.com/GoPolymarket/apigate/internal/pkg/correlation"
	"github.com/GoPolymarket/apigate/internal/pkg/logger"
	"github.com/GoPolymarket/apigate/internal/pkg/metrics"
	"github.com/GoPolymarket/apigate/internal/provider"
)

const (
	OperationPing         = "Ping"
	OperationCreateWidget = "CreateWidget"
	OperationGetWidget    = "GetWidget"
)

// WidgetProvider is the upstream transport used by WidgetService.
type WidgetProvider interface {
	Ping(ctx context.Context, correlationID string) (*provider.PingResponse, provider.Exchange, error)
	CreateWidget(ctx context.Context, req provider.CreateWidgetRequest, correlationID string) (*provider.Widget, provider.Exchange, error)
	GetWidget(ctx context.Context, widgetID, correlationID string) (*provider.Widget, provider.Exchange, error)
}

type CreateWidgetCommand struct {
	Name         string
	Description  string
	CallerSystem string
}

type WidgetResult struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

type PingResult struct {
	Status        string    `json:"status"`
	TimestampUTC  time.Time `json:"timestamp_utc"`
	CorrelationID string    `json:"correlation_id"`
}

// MaxWidgetIDLen 保证 "/widgets/{id}" 落入 request_path 列宽
const MaxWidgetIDLen = 128

// WidgetService orchestrates upstream widget calls and audits every
// completed attempt.
type WidgetService struct {
	provider WidgetProvider
	audit    *AuditService
	apiName  string
	now      func() time.Time
}

func NewWidgetService(p WidgetProvider, auditSvc *AuditService, apiName string) *WidgetService {
	return &WidgetService{
		provider: p,
		audit:    auditSvc,
		apiName:  apiName,
		now:      time.Now,
	}
}

func (s *WidgetService) CreateWidget(ctx context.Context, cmd CreateWidgetCommand) (*WidgetResult, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return nil, apperrors.NewInvalidRequest("name is required")
	}
	if len(name) > 200 {
		return nil, apperrors.NewInvalidRequest("name must be at most 200 characters")
	}
	if len(cmd.Description) > 2000 {
		return nil, apperrors.NewInvalidRequest("description must be at most 2000 characters")
	}

	ctx, corrID := correlation.Ensure(ctx)
	started := s.now()
	widget, ex, err := s.provider.CreateWidget(ctx, provider.CreateWidgetRequest{
		Name:        name,
		Description: cmd.Description,
	}, corrID)
	s.afterCall(ctx, OperationCreateWidget, http.MethodPost, "/widgets", cmd.CallerSystem, corrID, started, ex)

	if err := s.upstreamError(OperationCreateWidget, corrID, ex, err); err != nil {
		return nil, err
	}
	return &WidgetResult{
		ID:            widget.ID,
		Name:          widget.Name,
		Status:        widget.Status,
		CorrelationID: corrID,
	}, nil
}

func (s *WidgetService) GetWidget(ctx context.Context, widgetID, callerSystem string) (*WidgetResult, error) {
	if strings.TrimSpace(widgetID) == "" {
		return nil, apperrors.NewInvalidRequest("widget id is required")
	}
	if utf8.RuneCountInString(widgetID) > MaxWidgetIDLen {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("widget id must be at most %d characters", MaxWidgetIDLen))
	}

	ctx, corrID := correlation.Ensure(ctx)
	started := s.now()
	widget, ex, err := s.provider.GetWidget(ctx, widgetID, corrID)
	s.afterCall(ctx, OperationGetWidget, http.MethodGet, "/widgets/"+widgetID, callerSystem, corrID, started, ex)

	if ex.StatusCode == http.StatusNotFound {
		return nil, apperrors.New(apperrors.ErrNotFound, "widget not found upstream", nil).
			WithDetail("correlation_id", corrID)
	}
	if err := s.upstreamError(OperationGetWidget, corrID, ex, err); err != nil {
		return nil, err
	}
	return &WidgetResult{
		ID:            widget.ID,
		Name:          widget.Name,
		Status:        widget.Status,
		CorrelationID: corrID,
	}, nil
}

func (s *WidgetService) Ping(ctx context.Context, callerSystem string) (*PingResult, error) {
	ctx, corrID := correlation.Ensure(ctx)
	started := s.now()
	pong, ex, err := s.provider.Ping(ctx, corrID)
	s.afterCall(ctx, OperationPing, http.MethodGet, "/ping", callerSystem, corrID, started, ex)

	if err := s.upstreamError(OperationPing, corrID, ex, err); err != nil {
		return nil, err
	}
	return &PingResult{
		Status:        pong.Status,
		TimestampUTC:  pong.TimestampUTC,
		CorrelationID: corrID,
	}, nil
}

// afterCall records metrics and the audit entry. Only calls that produced
// an upstream response are audited.
func (s *WidgetService) afterCall(ctx context.Context, operation, method, path, callerSystem, corrID string, started time.Time, ex provider.Exchange) {
	finished := s.now()
	if ex.StatusCode == 0 {
		metrics.UpstreamCalls.WithLabelValues(s.apiName, operation, "transport_error").Inc()
		return
	}
	metrics.UpstreamCalls.WithLabelValues(s.apiName, operation, strconv.Itoa(ex.StatusCode/100)+"xx").Inc()

	if ex.Method != "" {
		method = ex.Method
	}
	if ex.Path != "" {
		path = ex.Path
	}
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, audit.CallInfo{
		Operation:       operation,
		HTTPMethod:      method,
		CallerSystem:    callerSystem,
		StatusCode:      ex.StatusCode,
		RequestPath:     path,
		CorrelationID:   corrID,
		RequestJSON:     ex.RequestBody,
		ResponseJSON:    ex.ResponseBody,
		RequestStarted:  started,
		ResponseArrived: finished,
	})
}

func (s *WidgetService) upstreamError(operation, corrID string, ex provider.Exchange, err error) error {
	if err != nil {
		if ex.StatusCode == 0 {
			logger.Warn("Upstream provider unreachable", "operation", operation, "correlation_id", corrID, "error", err)
			return apperrors.New(apperrors.ErrUnavailable, "upstream provider unreachable", err).
				WithDetail("correlation_id", corrID)
		}
		return apperrors.New(apperrors.ErrUpstream, "invalid upstream response", err).
			WithDetail("operation", operation).
			WithDetail("correlation_id", corrID)
	}
	if !ex.Success() {
		return apperrors.NewUpstream(operation, ex.StatusCode, corrID)
	}
	return nil
}
