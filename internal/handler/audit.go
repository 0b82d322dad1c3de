package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/GoPolymarket/apigate/internal/pkg/apperrors"
	"github.com/GoPolymarket/apigate/internal/repository"
	"github.com/GoPolymarket/apigate/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

type AuditHandler struct {
	svc *service.AuditService
}

func NewAuditHandler(svc *service.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// Recent 返回指定 API 最近的审计记录，按写入顺序倒序
func (h *AuditHandler) Recent(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(apperrors.NewInvalidRequest("limit must be an integer"))
			return
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		c.Error(apperrors.NewInvalidRequest("limit must be at most " + strconv.Itoa(maxRecentLimit)))
		return
	}

	records, err := h.svc.Recent(c.Request.Context(), c.Param("api"), limit)
	if err != nil {
		if errors.Is(err, repository.ErrLimitOutOfRange) || errors.Is(err, repository.ErrAPINameRequired) {
			c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
			return
		}
		c.Error(apperrors.New(apperrors.ErrInternal, "failed to read audit records", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}
