package router

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/hertz-contrib/keyauth"

	"resume-agent-go/internal/api/handler"
)

// Options 路由选项
type Options struct {
	// APIKeys 为空时不鉴权
	APIKeys []string
	// MetricsHandler Prometheus 抓取端点，为 nil 时不注册 /metrics
	MetricsHandler http.Handler
}

// RegisterRoutes 注册 API 路由，健康检查和 /metrics 不鉴权
func RegisterRoutes(h *server.Hertz, jdHandler *handler.JDHandler, opts Options) {
	h.Use(handler.RequestID())

	api := h.Group("/api/v1")
	api.GET("/health", jdHandler.HandleHealth)

	protected := api.Group("")
	if len(opts.APIKeys) > 0 {
		protected.Use(APIKeyAuth(opts.APIKeys))
	}
	protected.POST("/jd/process", jdHandler.HandleProcessJD)
	protected.GET("/pipeline/metrics", jdHandler.HandleMetrics)

	if opts.MetricsHandler != nil {
		h.GET("/metrics", wrapHTTPHandler(opts.MetricsHandler))
	}
}

// wrapHTTPHandler 把 net/http 处理器挂到 hertz 路由上
func wrapHTTPHandler(next http.Handler) app.HandlerFunc {
	return func(_ context.Context, c *app.RequestContext) {
		req, err := adaptor.GetCompatRequest(&c.Request)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(adaptor.GetCompatResponseWriter(&c.Response), req)
	}
}

// APIKeyAuth 校验 X-API-Key 头
func APIKeyAuth(keys []string) app.HandlerFunc {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return keyauth.New(
		keyauth.WithKeyLookUp("header:X-API-Key", ""),
		keyauth.WithValidator(func(_ context.Context, _ *app.RequestContext, key string) (bool, error) {
			if _, ok := allowed[key]; ok {
				return true, nil
			}
			return false, keyauth.ErrMissingOrMalformedAPIKey
		}),
		keyauth.WithErrorHandler(handler.HandleUnauthorized),
	)
}
