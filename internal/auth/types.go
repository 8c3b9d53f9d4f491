package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 认证子系统返回的错误。
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("operator is disabled")
)

// 内置权限。
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Mode 枚举认证模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config 配置认证服务。
type Config struct {
	Mode      Mode            `json:"mode"`
	Operators []OperatorToken `json:"operators"`
}

// OperatorToken 描述一个运维令牌。TokenSHA256 为令牌的十六进制 SHA-256 摘要，
// 配置文件中不保存明文。
type OperatorToken struct {
	Name        string   `json:"name"`
	TokenSHA256 string   `json:"token_sha256"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// Subject 是通过认证的调用方，经由 context 传给处理器。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断是否拥有指定权限。write 隐含 read。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	permission = strings.ToLower(strings.TrimSpace(permission))
	if _, ok := s.permissionsSet[permission]; ok {
		return true
	}
	if permission == PermissionRead {
		_, ok := s.permissionsSet[PermissionWrite]
		return ok
	}
	return false
}

// Authorize 要求拥有全部给定权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone 返回浅拷贝。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}
