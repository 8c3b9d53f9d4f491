package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"ZKGuard-Chain/pkg/logger"
)

type operator struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 校验 REST 请求携带的运维令牌。
type Service struct {
	mode      Mode
	operators []operator
	audit     *slog.Logger
}

// NewService 构造认证服务。mode 为空时视为 disabled。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	seen := make(map[string]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		name := strings.TrimSpace(op.Name)
		if name == "" {
			return nil, fmt.Errorf("operator name is required")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("operator %s configured twice", name)
		}
		seen[name] = struct{}{}
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(op.TokenSHA256), "0x"))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("operator %s: token_sha256 must be a hex sha-256 digest", name)
		}
		var digest [sha256.Size]byte
		copy(digest[:], raw)
		subject := &Subject{Name: name, Permissions: op.Permissions, Disabled: op.Disabled}
		subject.normalise()
		svc.operators = append(svc.operators, operator{digest: digest, subject: subject})
	}
	if len(svc.operators) == 0 {
		return nil, fmt.Errorf("token mode requires at least one operator")
	}
	return svc, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	for _, op := range s.operators {
		if subtle.ConstantTimeCompare(digest[:], op.digest[:]) == 1 {
			match = op.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match.Clone(), nil
}

// TokenDigest 返回令牌的十六进制 SHA-256 摘要，用于生成配置。
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
