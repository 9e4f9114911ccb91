package api

import (
	"net/http"
	"time"

	"jutjub/internal/config"
	jjmiddleware "jutjub/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps 是路由需要的进程级组件，由 main 创建并负责关闭。
type Deps struct {
	Logger        *zap.Logger
	Authenticator *jjmiddleware.Authenticator
}

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
func NewRouter(cfg *config.Config, videoHandler *VideoHandler, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(jjmiddleware.RequestLogger(logger))
	r.Use(jjmiddleware.Recoverer(logger))
	r.Use(jjmiddleware.CORS(jjmiddleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		AllowCredentials: cfg.CORSAllowCreds,
		MaxAge:           cfg.CORSMaxAge,
	}))
	r.Use(jjmiddleware.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow, "rate limit exceeded"))
	r.Use(jjmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	if videoHandler != nil {
		guards := RouteGuards{}
		if cfg.AuthEnabled && deps.Authenticator != nil {
			guards.Auth = deps.Authenticator.Middleware
		} else {
			logger.Warn("authentication disabled, write endpoints are public")
		}
		if cfg.UploadRateLimit > 0 {
			guards.UploadLimit = jjmiddleware.LimitByIP(cfg.UploadRateLimit, time.Minute, "upload rate limit exceeded")
		}
		videoHandler.RegisterRoutes(r, guards)
	}

	return r
}
