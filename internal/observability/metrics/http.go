package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	httpRequests = "zkguard_http_requests_total"
	httpErrors   = "zkguard_http_request_errors_total"
	httpLatency  = "zkguard_http_request_duration_seconds"
)

// defaultRegistry 是进程内唯一的指标注册表，HTTP 与领域指标共用。
var defaultRegistry = func() *registry {
	r := newRegistry()
	r.counter(httpRequests, "Total number of HTTP requests processed.")
	r.counter(httpErrors, "Total number of HTTP requests that resulted in a server error.")
	r.histogram(httpLatency, "HTTP request duration in seconds.", latencyBuckets)
	return r
}()

// ObserveHTTPRequest 记录一次 HTTP 请求。handler 使用路由模式而非原始路径，避免标签基数膨胀。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultRegistry.inc(httpRequests, "handler", handler, "method", method, "code", strconv.Itoa(status))
	if status >= 500 {
		defaultRegistry.inc(httpErrors, "handler", handler, "method", method)
	}
	defaultRegistry.observe(httpLatency, duration.Seconds(), "handler", handler, "method", method)
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		defaultRegistry.writeTo(w)
	})
}

// StartServer 启动独立的指标服务，供没有 REST 接口的 enclaved 使用。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
