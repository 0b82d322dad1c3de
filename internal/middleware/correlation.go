package middleware

import (
	"strings"
	"unicode/utf8"

	"github.com/GoPolymarket/apigate/internal/model"
	"github.com/GoPolymarket/apigate/internal/pkg/correlation"
	"github.com/gin-gonic/gin"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderCallerSystem  = "X-Caller-System"

	ContextCallerSystem = "caller_system"
)

// CorrelationMiddleware 复用调用方传入的关联 ID，否则生成新的 UUID，
// 并同时写入请求 Context 与响应头。超过审计列宽的关联 ID 会被重新生成，
// 调用方系统名则被截断到列宽
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderCorrelationID))
		if id == "" || utf8.RuneCountInString(id) > model.MaxCorrelationIDLen {
			id = correlation.NewID()
		}
		c.Request = c.Request.WithContext(correlation.WithID(c.Request.Context(), id))
		c.Header(HeaderCorrelationID, id)

		if caller := strings.TrimSpace(c.GetHeader(HeaderCallerSystem)); caller != "" {
			c.Set(ContextCallerSystem, model.ClipRunes(caller, model.MaxCallerSystemLen))
		}
		c.Next()
	}
}

// CallerSystem 返回请求声明的调用方系统名，未声明时为空
func CallerSystem(c *gin.Context) string {
	return c.GetString(ContextCallerSystem)
}
