package service

import (
	"context"

	"github.com/GoPolymarket/apigate/internal/audit"
	"github.com/GoPolymarket/apigate/internal/config"
	"github.com/GoPolymarket/apigate/internal/model"
	"github.com/GoPolymarket/apigate/internal/pkg/logger"
	"github.com/GoPolymarket/apigate/internal/pkg/metrics"
)

// AuditRepo is the persistence contract of the audit pipeline.
type AuditRepo interface {
	Save(ctx context.Context, record model.AuditRecord) error
	GetRecent(ctx context.Context, apiName string, limit int) ([]model.AuditRecord, error)
}

// AuditService records upstream calls on the request path. Persistence
// failures are logged and swallowed so they never change the outcome of
// the call being audited.
type AuditService struct {
	repo    AuditRepo
	factory *audit.Factory
	domain  config.DomainConfig
}

func NewAuditService(repo AuditRepo, domain config.DomainConfig, redaction config.RedactionConfig) *AuditService {
	return &AuditService{
		repo:    repo,
		factory: audit.NewFactory(domain, redaction),
		domain:  domain,
	}
}

// Record builds the audit record for call and tries to persist it.
// It reports whether the record was stored.
func (s *AuditService) Record(ctx context.Context, call audit.CallInfo) bool {
	if !s.domain.EnableAuditing || s.repo == nil {
		metrics.AuditWrites.WithLabelValues(s.domain.APIName, "disabled").Inc()
		return false
	}

	record := s.factory.Build(call)
	if err := s.repo.Save(ctx, record); err != nil {
		metrics.AuditWrites.WithLabelValues(s.domain.APIName, "failed").Inc()
		logger.Warn("Failed to persist audit entry",
			"api", s.domain.APIName,
			"operation", call.Operation,
			"correlation_id", call.CorrelationID,
			"error", err,
		)
		return false
	}
	metrics.AuditWrites.WithLabelValues(s.domain.APIName, "ok").Inc()
	return true
}

func (s *AuditService) Recent(ctx context.Context, apiName string, limit int) ([]model.AuditRecord, error) {
	return s.repo.GetRecent(ctx, apiName, limit)
}
