package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ZKGuard-Chain/pkg/logger"
)

// ServerConfig 描述协议服务参数。
type ServerConfig struct {
	Address       string
	MaxLineBytes  int
	RatePerSecond float64
	RateBurst     int
}

// Server 在持久连接上提供逐行 JSON 协议，每个连接按顺序处理消息。
type Server struct {
	cfg     ServerConfig
	handler *Handler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer 创建协议服务。
func NewServer(cfg ServerConfig, handler *Handler) *Server {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 1 << 20
	}
	return &Server{cfg: cfg, handler: handler, logger: logger.Named("enclave.server"), conns: make(map[net.Conn]struct{})}
}

// Addr 返回实际监听地址，未启动时为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start 开始监听并阻塞，直到 ctx 结束。
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定监听器上提供服务。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("enclave 协议服务已启动", slog.String("address", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return ctx.Err()
			}
			s.logger.Warn("接受连接失败", slog.Any("error", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			if err := s.ServeConn(ctx, conn); err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn("连接处理结束", slog.String("remote", conn.RemoteAddr().String()), slog.Any("error", err))
			}
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// ServeConn 读取连接上的数据，按行分帧并依次回复。
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriter) error {
	var limiter *rate.Limiter
	if s.cfg.RatePerSecond > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
	}

	buffer := NewLineBuffer(s.cfg.MaxLineBytes)
	encoder := json.NewEncoder(conn)
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := conn.Read(chunk)
		if n > 0 {
			lines, err := buffer.Feed(chunk[:n])
			for _, line := range lines {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
				}
				if err := encoder.Encode(s.handler.HandleLine(ctx, line)); err != nil {
					return err
				}
			}
			if err != nil {
				_ = encoder.Encode(Response{Success: boolPtr(false), Error: err.Error(), Code: "INVALID_ARGUMENT"})
				return err
			}
		}
		if readErr != nil {
			return readErr
		}
	}
}
