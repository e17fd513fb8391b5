package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"AgentMarket/internal/job"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/internal/protocol"
	"AgentMarket/internal/registry"
	"AgentMarket/pkg/logger"
)

// Requester 由客户端状态机实现，用于从 HTTP 发起任务。
type Requester interface {
	RequestQuote(ctx context.Context, tool string, task protocol.TaskType, payload map[string]any) (string, error)
	RequestTask(ctx context.Context, task protocol.TaskType, payload map[string]any) (string, string, error)
}

// Canceller 取消尚未结束的作业。
type Canceller interface {
	Cancel(ctx context.Context, jobID, reason string) error
}

// Options 汇总 Server 的依赖，除 Store 外均可为空。
type Options struct {
	Addr      string
	Role      string
	Address   string
	AuthToken string
	Store     job.Store
	Requester Requester
	Canceller Canceller
	Registry  registry.Discoverer
	Metrics   *metrics.Metrics
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts Options
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(opts Options) *Server {
	return &Server{opts: opts, log: logger.Named("api")}
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	r.Get("/agents", s.handleAgents)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/stats", s.handleJobStats)
		r.Get("/jobs/{jobID}", s.handleJobDetail)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/requests", s.handleCreateRequest)
			r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.opts.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// requireToken 校验 Bearer 令牌。未配置令牌时拒绝所有写请求。
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		expected := s.opts.AuthToken
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe 记录请求耗时与状态码，标签使用路由模板避免基数膨胀。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
		}
		s.log.Debug("HTTP 请求",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
