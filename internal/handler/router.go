package handler

import (
	"net/http"
	"time"

	"github.com/GoPolymarket/apigate/internal/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	Widgets *WidgetHandler
	Audits  *AuditHandler

	// nil 表示不启用幂等键
	Idempotency middleware.IdempotencyStore

	MetricsEnabled bool
	MetricsPath    string

	CORSAllowedOrigins []string
}

// NewRouter 组装全局中间件与路由
func NewRouter(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(newCORS(opts.CORSAllowedOrigins))
	}
	r.Use(middleware.CorrelationMiddleware())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "apigate"})
	})

	if opts.MetricsEnabled && opts.MetricsPath != "" {
		r.GET(opts.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	{
		if opts.Widgets != nil {
			create := []gin.HandlerFunc{opts.Widgets.Create}
			if opts.Idempotency != nil {
				create = append([]gin.HandlerFunc{middleware.IdempotencyMiddleware(opts.Idempotency)}, create...)
			}
			v1.POST("/widgets", create...)
			v1.GET("/widgets/:id", opts.Widgets.Get)
			v1.GET("/ping", opts.Widgets.Ping)
		}
		if opts.Audits != nil {
			v1.GET("/audit/:api/recent", opts.Audits.Recent)
		}
	}
	return r
}

func newCORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept",
			middleware.HeaderCorrelationID,
			middleware.HeaderCallerSystem,
			middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders: []string{middleware.HeaderCorrelationID},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cors.New(cfg)
		}
	}
	cfg.AllowOrigins = origins
	return cors.New(cfg)
}
