package middleware

import (
	"github.com/GoPolymarket/apigate/internal/pkg/apperrors"
	"github.com/GoPolymarket/apigate/internal/pkg/correlation"
	"github.com/GoPolymarket/apigate/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// 只处理最后一个错误，未知错误统一包装为 Internal
		appErr := apperrors.Wrap(c.Errors.Last().Err)

		logFields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", appErr.Type,
			"client_ip", c.ClientIP(),
		}

		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "Request failed", logFields...)
		} else {
			logFields = append(logFields, "correlation_id", correlation.FromContext(c.Request.Context()))
			logger.Warn(appErr.Message, logFields...)
		}

		if c.Writer.Written() {
			return
		}
		c.JSON(appErr.HTTPStatus, appErr)
	}
}
