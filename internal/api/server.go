package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ZKGuard-Chain/internal/adapter"
	"ZKGuard-Chain/internal/auth"
	"ZKGuard-Chain/internal/observability/metrics"
	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/internal/storage"
	"ZKGuard-Chain/internal/task"
	"ZKGuard-Chain/pkg/logger"
)

// Adapters 是 API 需要的适配器目录能力。
type Adapters interface {
	List() []adapter.Info
	ValidateConfig(id string, cfg []byte) error
}

// Signals 为试算采集实时信号。
type Signals interface {
	Collect(ctx context.Context) policy.Signals
}

// Jobs 是执行任务服务。
type Jobs interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Job, error)
	Get(ctx context.Context, id string) (*task.Job, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Job, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.JobStats, error)
}

// PolicyConfigStore 接收安装后的策略集合，enclave.Client 满足该接口。
type PolicyConfigStore interface {
	StorePolicyConfig(ctx context.Context, userAddress, installationID string, cfg json.RawMessage) error
}

// Dependencies 汇总 API 依赖。Enclave 为空时策略只保存在记录存储中。
type Dependencies struct {
	Records  storage.RecordStore
	Engine   *policy.Engine
	Adapters Adapters
	Signals  Signals
	Jobs     Jobs
	Enclave  PolicyConfigStore
	// Auth 为空或处于 disabled 模式时不做认证。
	Auth *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr   string
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, logger: logger.Named("api"), now: time.Now}
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/installations", s.handleCreateInstallation)
	s.route(mux, "GET /api/v1/installations", s.handleListInstallations)
	s.route(mux, "POST /api/v1/policies", s.handleInstallPolicies)
	s.route(mux, "GET /api/v1/policies", s.handleListPolicies)
	s.route(mux, "POST /api/v1/evaluate", s.handleEvaluate)
	s.route(mux, "POST /api/v1/executions", s.handleSubmitExecution)
	s.route(mux, "GET /api/v1/executions", s.handleListExecutions)
	s.route(mux, "GET /api/v1/executions/{id}", s.handleExecutionDetail)
	s.route(mux, "GET /api/v1/jobs", s.handleListJobs)
	s.route(mux, "GET /api/v1/jobs/stats", s.handleJobStats)
	s.route(mux, "GET /api/v1/rules", s.handleListRules)
	s.route(mux, "GET /api/v1/adapters", s.handleListAdapters)
	s.route(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
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
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册处理器并记录请求指标。/api/ 下的路由经过认证中间件。
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	var h http.Handler = handler
	if s.deps.Auth != nil && strings.Contains(pattern, " /api/") {
		h = s.deps.Auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: auth.DefaultPermissions()})(h)
	}
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
