package signals

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ZKGuard-Chain/internal/policy"
	"ZKGuard-Chain/pkg/logger"
)

// Provider 提供一个具名信号。
type Provider interface {
	Name() string
	Fetch(ctx context.Context) (any, error)
}

// Observer 接收信号采集结果。
type Observer interface {
	ObserveSignal(name string, ok bool, elapsed time.Duration)
}

// Registry 是显式构造的信号提供者集合。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	timeout   time.Duration
	observer  Observer
	logger    *slog.Logger
}

// Option 配置 Registry。
type Option func(*Registry)

// WithTimeout 设置单次 Collect 的整体超时。
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithObserver 注册采集观察者。
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// NewRegistry 创建空的信号注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
		timeout:   3 * time.Second,
		logger:    logger.Named("signals"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 添加提供者，名称重复时报错。
func (r *Registry) Register(p Provider) error {
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return fmt.Errorf("信号名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("信号 %s 已注册", name)
	}
	r.providers[name] = p
	return nil
}

// Names 返回已注册的信号名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect 并发拉取全部信号并返回只读快照。失败或超时的信号缺席。
func (r *Registry) Collect(ctx context.Context) policy.Signals {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		values = make(map[string]any, len(providers))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		g.Go(func() error {
			started := time.Now()
			value, err := p.Fetch(gctx)
			elapsed := time.Since(started)
			if r.observer != nil {
				r.observer.ObserveSignal(p.Name(), err == nil, elapsed)
			}
			if err != nil {
				r.logger.Warn("信号采集失败", slog.String("signal", p.Name()), slog.Duration("elapsed", elapsed), slog.Any("error", err))
				return nil
			}
			mu.Lock()
			values[p.Name()] = value
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return policy.NewSignals(values)
}
